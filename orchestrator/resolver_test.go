package orchestrator

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/ccf-recovery-service/interfaces"
)

func startDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func srvRecord(name, target string, priority, weight, port uint16) *dns.SRV {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

func TestDNSResolver(t *testing.T) {
	const name = "_recovery-agent._tcp.net1.ccf.test."
	addr := startDNS(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		switch r.Question[0].Name {
		case name:
			m.Answer = append(m.Answer,
				srvRecord(name, "b.ccf.test.", 10, 5, 8443),
				srvRecord(name, "a.ccf.test.", 0, 5, 443),
			)
		case "_recovery-agent._tcp.broken.ccf.test.":
			m.Rcode = dns.RcodeServerFailure
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	resolver := NewDNSResolver(addr, "_recovery-agent._tcp.%s.ccf.test")

	agents, err := resolver.RecoveryAgents(context.Background(), "net1")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.AgentEndpoint{
		{Name: "a.ccf.test", Endpoint: "https://a.ccf.test:443"},
		{Name: "b.ccf.test", Endpoint: "https://b.ccf.test:8443"},
	}, agents)

	agents, err = resolver.RecoveryAgents(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, agents)

	_, err = resolver.RecoveryAgents(context.Background(), "broken")
	assert.True(t, interfaces.IsKind(err, interfaces.TransientNetworkError), "got %v", err)
}

func TestStaticResolver(t *testing.T) {
	resolver := StaticResolver{"net1": {{Name: "agent", Endpoint: "https://agent:443"}}}

	agents, err := resolver.RecoveryAgents(context.Background(), "net1")
	require.NoError(t, err)
	require.Len(t, agents, 1)

	agents[0].Name = "changed"
	again, _ := resolver.RecoveryAgents(context.Background(), "net1")
	assert.Equal(t, "agent", again[0].Name)

	agents, err = resolver.RecoveryAgents(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, agents)
}
