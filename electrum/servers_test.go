package electrum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeServerRoundTrip(t *testing.T) {
	tests := []struct {
		host     string
		port     string
		protocol string
	}{
		{"electrum.example.org", "50002", "s"},
		{"node.xbt.eu", "50001", "t"},
		{"10.0.0.1", "995", "s"},
	}
	for _, test := range tests {
		s := SerializeServer(test.host, test.port, test.protocol)
		host, port, protocol, err := DeserializeServer(s)
		require.NoError(t, err)
		require.Equal(t, test.host, host)
		require.Equal(t, test.port, port)
		require.Equal(t, test.protocol, protocol)
	}
}

func TestDeserializeServerErrors(t *testing.T) {
	bad := []string{
		"",
		"hostonly",
		"host:port",
		"host:50002:x",
		"host:notaport:s",
		":50002:s",
	}
	for _, s := range bad {
		_, _, _, err := DeserializeServer(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestProxyRoundTrip(t *testing.T) {
	tests := []*Proxy{
		{Mode: "socks5", Host: "localhost", Port: "1080"},
		{Mode: "socks4", Host: "10.1.1.1", Port: "9050"},
		{Mode: "http", Host: "proxy.example", Port: "8080",
			User: "alice", Password: "hunter2"},
	}
	for _, p := range tests {
		out := DeserializeProxy(SerializeProxy(p))
		require.Equal(t, p.Mode, out.Mode)
		require.Equal(t, p.Host, out.Host)
		require.Equal(t, p.Port, out.Port)
		require.Equal(t, p.User, out.User)
		require.Equal(t, p.Password, out.Password)
	}
}

func TestDeserializeProxyDefaults(t *testing.T) {
	require.Nil(t, DeserializeProxy("none"))
	require.Nil(t, DeserializeProxy("NONE"))
	require.Nil(t, DeserializeProxy(""))
	require.Equal(t, "none", SerializeProxy(nil))

	p := DeserializeProxy("socks5")
	require.Equal(t, "socks5", p.Mode)
	require.Equal(t, "localhost", p.Host)
	require.Equal(t, "1080", p.Port)

	p = DeserializeProxy("http:myproxy")
	require.Equal(t, "http", p.Mode)
	require.Equal(t, "myproxy", p.Host)
	require.Equal(t, "8080", p.Port)

	// An unknown mode token is treated as the host.
	p = DeserializeProxy("somewhere:1234")
	require.Equal(t, "socks5", p.Mode)
	require.Equal(t, "somewhere", p.Host)
	require.Equal(t, "1234", p.Port)
}

func TestParseServers(t *testing.T) {
	result := []interface{}{
		[]interface{}{
			"ignored", "h.example",
			[]interface{}{"s50002", "v1.4", "p", "bogus"},
		},
	}
	servers := ParseServers(result)
	require.Equal(t, HostMap{
		"h.example": {
			"s":       "50002",
			"pruning": "0",
			"version": "1.4",
		},
	}, servers)
}

func TestParseServersDefaultsAndDrops(t *testing.T) {
	result := []interface{}{
		// Bare protocol letters pick up the default ports.
		[]interface{}{
			"", "both.example",
			[]interface{}{"t", "s", "v1.1", "p100"},
		},
		// No protocol port at all: dropped.
		[]interface{}{
			"", "portless.example",
			[]interface{}{"v1.1"},
		},
		// No feature list at all: dropped.
		[]interface{}{"", "bare.example"},
	}
	servers := ParseServers(result)
	require.Equal(t, HostMap{
		"both.example": {
			"t":       "50001",
			"s":       "50002",
			"pruning": "100",
			"version": "1.1",
		},
	}, servers)
}

func TestFilterVersion(t *testing.T) {
	servers := HostMap{
		"new.example":    {"s": "50002", "version": "1.4"},
		"exact.example":  {"s": "50002", "version": ProtocolVersion},
		"old.example":    {"s": "50002", "version": "0.9"},
		"broken.example": {"s": "50002", "version": "not-a-version"},
		"empty.example":  {"s": "50002"},
	}
	filtered := FilterVersion(servers)
	require.Len(t, filtered, 2)
	require.Contains(t, filtered, "new.example")
	require.Contains(t, filtered, "exact.example")
}

func TestFilterProtocol(t *testing.T) {
	servers := HostMap{
		"a.example": {"s": "50002", "t": "50001"},
		"b.example": {"t": "50001"},
	}
	require.ElementsMatch(t,
		[]string{"a.example:50002:s"},
		FilterProtocol(servers, "s"),
	)
	require.ElementsMatch(t,
		[]string{"a.example:50001:t", "b.example:50001:t"},
		FilterProtocol(servers, "t"),
	)
}

func TestPickRandomServer(t *testing.T) {
	servers := HostMap{
		"a.example": {"s": "50002"},
		"b.example": {"s": "50002"},
	}

	picked := PickRandomServer(servers, "s", nil)
	require.Contains(t,
		[]string{"a.example:50002:s", "b.example:50002:s"}, picked,
	)

	// Exclusion narrows the choice down to one.
	exclude := map[string]struct{}{"a.example:50002:s": {}}
	for i := 0; i < 10; i++ {
		require.Equal(t, "b.example:50002:s",
			PickRandomServer(servers, "s", exclude))
	}

	// Nothing eligible.
	exclude["b.example:50002:s"] = struct{}{}
	require.Equal(t, "", PickRandomServer(servers, "s", exclude))
	require.Equal(t, "", PickRandomServer(HostMap{}, "s", nil))
}

func TestDefaultServersIsACopy(t *testing.T) {
	first := DefaultServers()
	for host := range first {
		first[host]["s"] = "1"
		break
	}
	first["injected.example"] = map[string]string{"s": "2"}

	second := DefaultServers()
	require.NotContains(t, second, "injected.example")
	for host, attrs := range second {
		if port, ok := attrs["s"]; ok {
			require.NotEqual(t, "1", port, "host %s mutated", host)
		}
	}
}
