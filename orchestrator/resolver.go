package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

// DefaultDNSServer is the local stub resolver.
const DefaultDNSServer = "127.0.0.53:53"

// StaticResolver serves a fixed set of agents per network.
type StaticResolver map[string][]interfaces.AgentEndpoint

func (r StaticResolver) RecoveryAgents(_ context.Context, network string) ([]interfaces.AgentEndpoint, error) {
	return append([]interfaces.AgentEndpoint(nil), r[network]...), nil
}

// DNSResolver discovers recovery agents through SRV records. The record for a
// network is named by NameFormat, e.g. "_recovery-agent._tcp.%s.ccf.internal".
type DNSResolver struct {
	Server     string
	NameFormat string
	client     *dns.Client
}

func NewDNSResolver(server, nameFormat string) *DNSResolver {
	if server == "" {
		server = DefaultDNSServer
	}
	if nameFormat == "" {
		nameFormat = "%s"
	}
	return &DNSResolver{
		Server:     server,
		NameFormat: nameFormat,
		client:     new(dns.Client),
	}
}

// RecoveryAgents returns one endpoint per SRV answer, ordered by priority and
// weight. A name that does not exist resolves to no agents.
func (r *DNSResolver) RecoveryAgents(ctx context.Context, network string) ([]interfaces.AgentEndpoint, error) {
	name := dns.Fqdn(fmt.Sprintf(r.NameFormat, network))

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.TransientNetworkError, "DnsQueryFailed", err,
			"querying SRV records for %s", name)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, interfaces.NewError(interfaces.TransientNetworkError, "DnsQueryFailed",
			"querying SRV records for %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	agents := make([]interfaces.AgentEndpoint, 0, len(records))
	for _, srv := range records {
		target := strings.TrimSuffix(srv.Target, ".")
		agents = append(agents, interfaces.AgentEndpoint{
			Name:     target,
			Endpoint: "https://" + net.JoinHostPort(target, strconv.Itoa(int(srv.Port))),
		})
	}
	return agents, nil
}
