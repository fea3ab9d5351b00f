package recoveryhandler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/ccf-recovery-service/api"
	"github.com/ruteri/ccf-recovery-service/cryptoutils"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/recovery"
	"github.com/ruteri/ccf-recovery-service/retry"
)

const defaultClientTimeout = 30 * time.Second

// NewHTTPClient returns a client that retries transient failures. When
// serviceCert is set, TLS trusts exactly that certificate.
func NewHTTPClient(serviceCert string, opts ...retry.Option) (*http.Client, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if serviceCert != "" {
		tlsConfig, err := cryptoutils.PinnedTLSConfig(serviceCert)
		if err != nil {
			return nil, fmt.Errorf("pinning service certificate: %w", err)
		}
		base.TLSClientConfig = tlsConfig
	}
	return &http.Client{
		Timeout:   defaultClientTimeout,
		Transport: &retry.Transport{Base: base, Options: opts},
	}, nil
}

// Client calls the recovery service on behalf of an attested caller. Signed
// requests are built from the caller's attested key pair, and wrapped message
// responses are unwrapped with its private key.
type Client struct {
	baseURL string
	client  *http.Client
	keys    *cryptoutils.AttestedKeyPairSource
}

func NewClient(baseURL string, client *http.Client, keys *cryptoutils.AttestedKeyPairSource) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		keys:    keys,
	}
}

func (c *Client) GetReport(ctx context.Context) (*interfaces.RecoveryServiceReport, error) {
	var report interfaces.RecoveryServiceReport
	if err := c.get(ctx, "/report", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) GetNetworkJoinPolicy(ctx context.Context) (*interfaces.NetworkJoinPolicy, error) {
	var policy interfaces.NetworkJoinPolicy
	if err := c.get(ctx, "/network/joinpolicy", &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

func (c *Client) GetSecurityPolicy(ctx context.Context) (*interfaces.SecurityPolicy, error) {
	var policy interfaces.SecurityPolicy
	if err := c.get(ctx, "/network/securitypolicy", &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

func (c *Client) SetNetworkJoinPolicy(ctx context.Context, policy *interfaces.NetworkJoinPolicy) error {
	return c.postSigned(ctx, "/network/joinpolicy/set", recovery.JoinPolicyRequest{JoinPolicy: policy}, nil)
}

func (c *Client) GetMembers(ctx context.Context) ([]string, error) {
	var members []string
	if err := c.get(ctx, "/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) GetMember(ctx context.Context, memberName string) (*interfaces.RecoveryMember, error) {
	var member interfaces.RecoveryMember
	if err := c.get(ctx, "/members/"+url.PathEscape(memberName), &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *Client) GetMemberReport(ctx context.Context, memberName string) (*interfaces.RecoveryMemberReport, error) {
	var report interfaces.RecoveryMemberReport
	if err := c.get(ctx, "/members/"+url.PathEscape(memberName)+"/report", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) GenerateMember(ctx context.Context, memberName string) (*interfaces.RecoveryMember, error) {
	var member interfaces.RecoveryMember
	if err := c.postSigned(ctx, "/members/generate", recovery.MemberRequest{MemberName: memberName}, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GenerateStateDigestMessage returns the member's signed state_digest request.
func (c *Client) GenerateStateDigestMessage(ctx context.Context, memberName string) ([]byte, error) {
	return c.postMessage(ctx, "/members/generateStateDigestMessage", recovery.MemberRequest{MemberName: memberName})
}

func (c *Client) GenerateStateDigestAckMessage(ctx context.Context, memberName string, stateDigest json.RawMessage) ([]byte, error) {
	return c.postMessage(ctx, "/members/generateStateDigestAckMessage", recovery.StateDigestAckRequest{
		MemberName:  memberName,
		StateDigest: stateDigest,
	})
}

func (c *Client) GenerateRecoveryShareMessage(ctx context.Context, memberName string, share *recovery.EncryptedShare) ([]byte, error) {
	return c.postMessage(ctx, "/members/generateRecoveryShareMessage", recovery.RecoveryShareRequest{
		MemberName:     memberName,
		EncryptedShare: share,
	})
}

func (c *Client) postMessage(ctx context.Context, path string, data any) ([]byte, error) {
	var resp api.MessageResponse
	if err := c.postSigned(ctx, path, data, &resp); err != nil {
		return nil, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.Message)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped message: %w", err)
	}
	kp, err := c.keys.Get(ctx)
	if err != nil {
		return nil, err
	}
	message, err := cryptoutils.UnwrapRsaOaepAesKwp(wrapped, kp.PrivateKey, cryptoutils.HashSHA256)
	if err != nil {
		return nil, fmt.Errorf("unwrapping message: %w", err)
	}
	return message, nil
}

func (c *Client) postSigned(ctx context.Context, path string, data, out any) error {
	kp, err := c.keys.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading attested key pair: %w", err)
	}
	signed, err := recovery.PrepareSignedDataRequest(kp, data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return interfaces.WrapError(interfaces.TransientNetworkError, "RequestFailed", err,
			"%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// responseError turns an error response back into a coded error.
func responseError(status int, body []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		e = api.ErrorResponse{Code: http.StatusText(status), Message: string(body)}
	}
	return &interfaces.Error{
		Kind:    interfaces.KindForStatus(status),
		Code:    e.Code,
		Message: e.Message,
		Err:     &retry.StatusError{StatusCode: status, Body: string(body)},
	}
}
