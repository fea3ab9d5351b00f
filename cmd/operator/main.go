package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/ccf-recovery-service/cmd/flags"
	"github.com/ruteri/ccf-recovery-service/config"
	"github.com/ruteri/ccf-recovery-service/cose"
	"github.com/ruteri/ccf-recovery-service/interfaces"
	"github.com/ruteri/ccf-recovery-service/orchestrator"
)

var networkFlag = &cli.StringFlag{
	Name:     "network",
	Required: true,
	EnvVars:  []string{"CCF_NETWORK_NAME"},
	Usage:    "ledger network whose recovery agent is addressed",
}
var signingCertFlag = &cli.StringFlag{
	Name:    "signing-cert",
	EnvVars: []string{"OPERATOR_SIGNING_CERT"},
	Usage:   "operator member certificate (PEM file)",
}
var signingKeyFlag = &cli.StringFlag{
	Name:    "signing-key",
	EnvVars: []string{"OPERATOR_SIGNING_KEY"},
	Usage:   "operator member private key (PEM file)",
}
var agentFlag = &cli.StringSliceFlag{
	Name:    "agent",
	EnvVars: []string{"RECOVERY_AGENTS"},
	Usage:   "recovery agent endpoint; repeat for several, or use DNS discovery",
}
var dnsServerFlag = &cli.StringFlag{
	Name:    "dns-server",
	Value:   orchestrator.DefaultDNSServer,
	EnvVars: []string{"DNS_SERVER"},
	Usage:   "DNS server used for agent discovery",
}
var agentSRVFormatFlag = &cli.StringFlag{
	Name:    "agent-srv-format",
	EnvVars: []string{"RECOVERY_AGENT_SRV_FORMAT"},
	Usage:   "SRV record name for a network's agents, e.g. _recovery-agent._tcp.%s.ccf.internal",
}
var readyTimeoutFlag = &cli.DurationFlag{
	Name:    "ready-timeout",
	Value:   orchestrator.DefaultProviderConfig().ReadyTimeout,
	EnvVars: []string{"RECOVERY_AGENT_READY_TIMEOUT"},
	Usage:   "how long to wait for the agent to serve its report",
}

var memberFlag = &cli.StringFlag{
	Name:     "member",
	Required: true,
	Usage:    "recovery member name",
}
var recoveryServiceFlag = &cli.StringFlag{
	Name:    "recovery-service",
	EnvVars: []string{"RECOVERY_SERVICE_ENDPOINT"},
	Usage:   "recovery service endpoint the agent should use",
}
var recoveryServiceCertFlag = &cli.StringFlag{
	Name:    "recovery-service-cert",
	EnvVars: []string{"RECOVERY_SERVICE_CERT"},
	Usage:   "recovery service certificate (PEM file) the agent should pin",
}
var hostDataFlag = &cli.StringSliceFlag{
	Name:     "host-data",
	Required: true,
	Usage:    "host data allowed to join the network; repeat for several",
}

func main() {
	if err := flags.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	memberFlags := []cli.Flag{memberFlag, recoveryServiceFlag, recoveryServiceCertFlag}
	app := &cli.App{
		Name:  "recovery-operator",
		Usage: "Drive confidential recovery through a network's recovery agent",
		Flags: append([]cli.Flag{
			networkFlag,
			signingCertFlag,
			signingKeyFlag,
			agentFlag,
			dnsServerFlag,
			agentSRVFormatFlag,
			readyTimeoutFlag,
			flags.LogServiceFlagFn("recovery-operator"),
		}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:  "generate-member",
				Usage: "create the recovery member keys in the recovery service",
				Flags: memberFlags,
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					agentConfig, err := agentConfigFrom(cCtx)
					if err != nil {
						return err
					}
					body, err := p.GenerateRecoveryMember(cCtx.Context, cCtx.String(networkFlag.Name), cCtx.String(memberFlag.Name), agentConfig, nil)
					if err != nil {
						return err
					}
					return printJSON(body)
				}),
			},
			{
				Name:  "activate-member",
				Usage: "activate the recovery member on the ledger",
				Flags: memberFlags,
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					agentConfig, err := agentConfigFrom(cCtx)
					if err != nil {
						return err
					}
					body, err := p.ActivateRecoveryMember(cCtx.Context, cCtx.String(networkFlag.Name), cCtx.String(memberFlag.Name), agentConfig, nil)
					if err != nil {
						return err
					}
					fmt.Println(body)
					return nil
				}),
			},
			{
				Name:  "submit-share",
				Usage: "submit the recovery member's share to the ledger",
				Flags: memberFlags,
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					agentConfig, err := agentConfigFrom(cCtx)
					if err != nil {
						return err
					}
					body, err := p.SubmitRecoveryShare(cCtx.Context, cCtx.String(networkFlag.Name), cCtx.String(memberFlag.Name), agentConfig, nil)
					if err != nil {
						return err
					}
					return printJSON(body)
				}),
			},
			{
				Name:  "set-join-policy",
				Usage: "publish the network join policy in the recovery service",
				Flags: []cli.Flag{hostDataFlag, recoveryServiceFlag, recoveryServiceCertFlag},
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					agentConfig, err := agentConfigFrom(cCtx)
					if err != nil {
						return err
					}
					policy := &interfaces.NetworkJoinPolicy{Snp: &interfaces.SnpJoinPolicy{HostData: cCtx.StringSlice(hostDataFlag.Name)}}
					return p.SetNetworkJoinPolicy(cCtx.Context, cCtx.String(networkFlag.Name), agentConfig, policy, nil)
				}),
			},
			{
				Name:  "agents",
				Usage: "list the network's recovery agents and their service certificates",
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					agents, err := p.GetNetworkRecoveryAgents(cCtx.Context, cCtx.String(networkFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(map[string]any{"agents": agents})
				}),
			},
			{
				Name:  "report",
				Usage: "fetch the self-report of every recovery agent",
				Action: withProvider(func(cCtx *cli.Context, p *orchestrator.Provider) error {
					reports, err := p.GetReport(cCtx.Context, cCtx.String(networkFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(map[string]any{"reports": reports})
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withProvider(action func(*cli.Context, *orchestrator.Provider) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		cfg := &config.OperatorConfig{
			SigningCertPath: cCtx.String(signingCertFlag.Name),
			SigningKeyPath:  cCtx.String(signingKeyFlag.Name),
			Agents:          cCtx.StringSlice(agentFlag.Name),
			DNSServer:       cCtx.String(dnsServerFlag.Name),
			AgentSRVFormat:  cCtx.String(agentSRVFormatFlag.Name),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		certPEM, err := os.ReadFile(cfg.SigningCertPath)
		if err != nil {
			return fmt.Errorf("reading signing certificate: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("reading signing key: %w", err)
		}
		signer, err := cose.NewSigner(string(certPEM), string(keyPEM))
		if err != nil {
			return fmt.Errorf("loading operator identity: %w", err)
		}

		var resolver interfaces.AgentResolver
		if len(cfg.Agents) > 0 {
			network := cCtx.String(networkFlag.Name)
			static := orchestrator.StaticResolver{}
			for i, endpoint := range cfg.Agents {
				static[network] = append(static[network], interfaces.AgentEndpoint{
					Name:     fmt.Sprintf("%s-agent-%d", network, i),
					Endpoint: endpoint,
				})
			}
			resolver = static
		} else {
			resolver = orchestrator.NewDNSResolver(cfg.DNSServer, cfg.AgentSRVFormat)
		}

		providerConfig := orchestrator.DefaultProviderConfig()
		providerConfig.ReadyTimeout = cCtx.Duration(readyTimeoutFlag.Name)
		provider, err := orchestrator.NewProvider(resolver, signer, providerConfig, nil, logger)
		if err != nil {
			return err
		}
		logger.Debug("operator identity loaded", "memberId", provider.MemberID())
		return action(cCtx, provider)
	}
}

func agentConfigFrom(cCtx *cli.Context) (*interfaces.AgentConfig, error) {
	endpoint := cCtx.String(recoveryServiceFlag.Name)
	if endpoint == "" {
		return nil, nil
	}
	rs := &interfaces.RecoveryServiceConfig{Endpoint: strings.TrimRight(endpoint, "/")}
	if path := cCtx.String(recoveryServiceCertFlag.Name); path != "" {
		cert, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading recovery service certificate: %w", err)
		}
		rs.ServiceCert = string(cert)
	}
	return &interfaces.AgentConfig{RecoveryService: rs}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
