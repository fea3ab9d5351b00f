package orchestrator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/ccf-recovery-service/api/recoveryhandler"
	"github.com/ruteri/ccf-recovery-service/cose"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/metrics"
	"github.com/ruteri/ccf-recovery-service/retry"
)

var (
	ErrNoRecoveryAgent        = errors.New("no recovery agent present")
	ErrAmbiguousRecoveryAgent = errors.New("more than one recovery agent present")
	ErrTimeout                = errors.New("timed out waiting for recovery agent")
)

const maxResponseBody = 1 << 20

// HealthCheck reports whether the instance behind an agent is still expected
// to come up. A non-nil error stops AwaitAgentReady.
type HealthCheck func(ctx context.Context) error

type ProviderConfig struct {
	// RequestTimeout bounds each readiness probe.
	RequestTimeout time.Duration
	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	Retry          []retry.Option
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		RequestTimeout: 30 * time.Second,
		PollInterval:   time.Second,
		ReadyTimeout:   300 * time.Second,
	}
}

// Provider drives recovery actions against the recovery agent of a network on
// behalf of an operator. Every action resolves the single agent, waits for it
// to serve its report, then posts a recovery envelope signed by the operator.
type Provider struct {
	resolver interfaces.AgentResolver
	signer   *cose.Signer
	memberID string
	cfg      ProviderConfig
	metrics  *metrics.Recovery
	log      *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewProvider(resolver interfaces.AgentResolver, signer *cose.Signer, cfg ProviderConfig, m *metrics.Recovery, log *slog.Logger) (*Provider, error) {
	memberID, err := cryptoutils.CertFingerprint(signer.Certificate())
	if err != nil {
		return nil, fmt.Errorf("fingerprinting operator certificate: %w", err)
	}
	defaults := DefaultProviderConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaults.ReadyTimeout
	}
	return &Provider{
		resolver: resolver,
		signer:   signer,
		memberID: memberID,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		clients:  make(map[string]*http.Client),
	}, nil
}

// MemberID is the operator's member id, the lowercase SHA-256 fingerprint of
// its certificate.
func (p *Provider) MemberID() string { return p.memberID }

// ResolveAgent returns the only recovery agent of the network.
func (p *Provider) ResolveAgent(ctx context.Context, network string) (*interfaces.AgentEndpoint, error) {
	agents, err := p.resolver.RecoveryAgents(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("%s: discovering recovery agents: %w", network, err)
	}
	switch len(agents) {
	case 0:
		return nil, fmt.Errorf("%w for network %s", ErrNoRecoveryAgent, network)
	case 1:
		return &agents[0], nil
	default:
		return nil, fmt.Errorf("%w for network %s: %d agents", ErrAmbiguousRecoveryAgent, network, len(agents))
	}
}

// AwaitAgentReady polls the agent's /report until it succeeds and returns the
// agent's self-signed service certificate.
func (p *Provider) AwaitAgentReady(ctx context.Context, network, endpoint string, healthCheck HealthCheck) (string, error) {
	client := p.probeClient()
	start := time.Now()
	waitCtx, cancel := context.WithDeadline(ctx, start.Add(p.cfg.ReadyTimeout))
	defer cancel()

	timeout := func(status string) error {
		return fmt.Errorf("%w: %s: %s/report not ready after %s, last status: %s",
			ErrTimeout, network, endpoint, time.Since(start).Round(time.Millisecond), status)
	}

	for {
		if healthCheck != nil {
			if err := healthCheck(ctx); err != nil {
				return "", fmt.Errorf("%s: %s became unhealthy: %w", network, endpoint, err)
			}
		}

		// probes share the wait deadline so a hung agent cannot stretch it
		report, status, err := fetchReport(waitCtx, client, endpoint)
		if err == nil {
			if cert, ok := report["serviceCert"].(string); ok && cert != "" {
				return cert, nil
			}
			status = "report has no serviceCert"
		}
		p.log.Info("waiting for recovery agent report", "network", network, "endpoint", endpoint, "status", status, "err", err)

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", timeout(status)
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// BuildSignedRequest signs input as a recovery message of the given kind.
func (p *Provider) BuildSignedRequest(kind cose.RecoveryMessageType, input *interfaces.AgentRequest) ([]byte, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return cose.CreateRecoveryMessage(p.signer, kind, payload)
}

// Send posts a signed envelope to the agent and returns the response body.
// Any non-2xx response is returned as an error carrying the body.
func (p *Provider) Send(ctx context.Context, agent *interfaces.RecoveryAgent, kind cose.RecoveryMessageType, envelope []byte) ([]byte, error) {
	path, err := p.actionPath(kind)
	if err != nil {
		return nil, err
	}
	client, err := p.agentClient(agent)
	if err != nil {
		return nil, err
	}
	req, err := cose.NewRequest(ctx, strings.TrimRight(agent.Endpoint, "/")+"/"+path, envelope)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.TransientNetworkError, "AgentRequestFailed", err,
			"POST %s", path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &interfaces.Error{
			Kind:    interfaces.KindForStatus(resp.StatusCode),
			Code:    "AgentRequestFailed",
			Message: fmt.Sprintf("POST %s returned %d: %s", path, resp.StatusCode, string(body)),
			Err:     &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)},
		}
	}
	return body, nil
}

func (p *Provider) GenerateRecoveryMember(ctx context.Context, network, memberName string, agentConfig *interfaces.AgentConfig, healthCheck HealthCheck) (json.RawMessage, error) {
	p.log.Info("requesting recovery agent to generate recovery member", "network", network, "member", memberName)
	body, err := p.run(ctx, network, cose.RecoveryGenerateMember, &interfaces.AgentRequest{
		MemberName:  memberName,
		AgentConfig: agentConfig,
	}, healthCheck)
	return jsonBody(body, err)
}

func (p *Provider) ActivateRecoveryMember(ctx context.Context, network, memberName string, agentConfig *interfaces.AgentConfig, healthCheck HealthCheck) (string, error) {
	p.log.Info("requesting recovery agent to activate recovery member", "network", network, "member", memberName)
	body, err := p.run(ctx, network, cose.RecoveryActivateMember, &interfaces.AgentRequest{
		MemberName:  memberName,
		AgentConfig: agentConfig,
	}, healthCheck)
	return string(body), err
}

func (p *Provider) SubmitRecoveryShare(ctx context.Context, network, memberName string, agentConfig *interfaces.AgentConfig, healthCheck HealthCheck) (json.RawMessage, error) {
	p.log.Info("requesting recovery agent to submit recovery share", "network", network, "member", memberName)
	body, err := p.run(ctx, network, cose.RecoveryShareMessage, &interfaces.AgentRequest{
		MemberName:  memberName,
		AgentConfig: agentConfig,
	}, healthCheck)
	return jsonBody(body, err)
}

func (p *Provider) SetNetworkJoinPolicy(ctx context.Context, network string, agentConfig *interfaces.AgentConfig, policy *interfaces.NetworkJoinPolicy, healthCheck HealthCheck) error {
	p.log.Info("requesting recovery agent to set the network join policy", "network", network)
	// safe to retry, publishing the same policy twice leaves the same policy in force
	_, err := p.run(ctx, network, cose.RecoverySetNetworkJoinPolicy, &interfaces.AgentRequest{
		AgentConfig: agentConfig,
		JoinPolicy:  policy,
	}, healthCheck)
	return err
}

// GetNetworkRecoveryAgents lists every discovered agent with its service
// certificate, waiting for each one to become ready.
func (p *Provider) GetNetworkRecoveryAgents(ctx context.Context, network string) ([]interfaces.RecoveryAgent, error) {
	endpoints, err := p.resolver.RecoveryAgents(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("%s: discovering recovery agents: %w", network, err)
	}
	agents := make([]interfaces.RecoveryAgent, 0, len(endpoints))
	for _, e := range endpoints {
		cert, err := p.AwaitAgentReady(ctx, network, e.Endpoint, nil)
		if err != nil {
			return nil, err
		}
		agents = append(agents, interfaces.RecoveryAgent{Name: e.Name, Endpoint: e.Endpoint, ServiceCert: cert})
	}
	return agents, nil
}

// GetReport fetches the self-report of every discovered agent.
func (p *Provider) GetReport(ctx context.Context, network string) ([]interfaces.RecoveryAgentReport, error) {
	endpoints, err := p.resolver.RecoveryAgents(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("%s: discovering recovery agents: %w", network, err)
	}
	client := p.probeClient()
	reports := make([]interfaces.RecoveryAgentReport, 0, len(endpoints))
	for _, e := range endpoints {
		report, status, err := fetchReport(ctx, client, e.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("%s: fetching %s/report (%s): %w", network, e.Endpoint, status, err)
		}
		reports = append(reports, interfaces.RecoveryAgentReport{Name: e.Name, Endpoint: e.Endpoint, Report: report})
	}
	return reports, nil
}

func (p *Provider) run(ctx context.Context, network string, kind cose.RecoveryMessageType, input *interfaces.AgentRequest, healthCheck HealthCheck) ([]byte, error) {
	endpoint, err := p.ResolveAgent(ctx, network)
	if err != nil {
		return nil, err
	}
	cert, err := p.AwaitAgentReady(ctx, network, endpoint.Endpoint, healthCheck)
	if err != nil {
		return nil, err
	}
	envelope, err := p.BuildSignedRequest(kind, input)
	if err != nil {
		return nil, fmt.Errorf("signing %s request: %w", kind, err)
	}
	return p.Send(ctx, &interfaces.RecoveryAgent{Name: endpoint.Name, Endpoint: endpoint.Endpoint, ServiceCert: cert}, kind, envelope)
}

func (p *Provider) actionPath(kind cose.RecoveryMessageType) (string, error) {
	var action string
	switch kind {
	case cose.RecoveryGenerateMember:
		action = "recoveryMembers/generate"
	case cose.RecoveryActivateMember:
		action = "recoveryMembers/activate"
	case cose.RecoveryShareMessage:
		action = "recoveryMembers/submitRecoveryShare"
	case cose.RecoverySetNetworkJoinPolicy:
		action = "network/joinpolicy/set"
	default:
		return "", fmt.Errorf("unsupported recovery message type %q", kind)
	}
	return "members/" + p.memberID + "/" + action, nil
}

// agentClient returns the cached client pinned to the agent's certificate.
func (p *Provider) agentClient(agent *interfaces.RecoveryAgent) (*http.Client, error) {
	key := agent.Endpoint + "\x00" + agent.ServiceCert
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	// Every agent action POST is retried, set-join-policy included. Each one is
	// idempotent: members are get-or-create and a join policy write is an overwrite.
	opts := append([]retry.Option{retry.WithNotify(p.metrics.RetryNotifier("recovery_agent"))}, p.cfg.Retry...)
	c, err := recoveryhandler.NewHTTPClient(agent.ServiceCert, opts...)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	return c, nil
}

// probeClient is used before the agent's certificate is known. The report it
// fetches is what establishes the certificate to pin.
func (p *Provider) probeClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, //nolint:gosec
	}
	return &http.Client{Timeout: p.cfg.RequestTimeout, Transport: transport}
}

// fetchReport returns the decoded report and a description of the outcome.
func fetchReport(ctx context.Context, client *http.Client, endpoint string) (map[string]any, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/report", nil)
	if err != nil {
		return nil, "invalid endpoint", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "request failed", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, resp.Status, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var report map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&report); err != nil {
		return nil, resp.Status, fmt.Errorf("decoding report: %w", err)
	}
	return report, resp.Status, nil
}

func jsonBody(body []byte, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("agent response is not JSON: %s", string(body))
	}
	return json.RawMessage(body), nil
}
