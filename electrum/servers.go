package electrum

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// HostMap is the server directory: host → attribute map. Attribute keys
// are the protocol letters ("s", "t") mapping to port strings, plus
// "version" and "pruning".
type HostMap map[string]map[string]string

// DefaultPorts maps each protocol letter to its conventional port.
var DefaultPorts = map[string]string{
	"t": "50001",
	"s": "50002",
}

// defaultServers seeds the directory before any peer has pushed its own
// list.
var defaultServers = HostMap{
	"erbium1.sytes.net":          {"t": "50001", "s": "50002"},
	"ecdsa.net":                  {"t": "50001", "s": "110"},
	"gh05.geekhosters.com":       {"t": "50001", "s": "50002"},
	"VPS.hsmiths.com":            {"t": "50001", "s": "50002"},
	"electrum.anduck.net":        {"t": "50001", "s": "50002"},
	"electrum.no-ip.org":         {"t": "50001", "s": "50002"},
	"electrum.be":                {"t": "50001", "s": "50002"},
	"helicarrier.bauerj.eu":      {"t": "50001", "s": "50002"},
	"elex01.blackpole.online":    {"t": "50001", "s": "50002"},
	"electrumx.not.fyi":          {"t": "50001", "s": "50002"},
	"node.xbt.eu":                {"t": "50001", "s": "50002"},
	"kirsche.emzy.de":            {"t": "50001", "s": "50002"},
	"electrum.villocq.com":       {"t": "50001", "s": "50002"},
	"us11.einfachmalnettsein.de": {"t": "50001", "s": "50002"},
	"electrum.trouth.net":        {"t": "50001", "s": "50002"},
	"Electrum.hsmiths.com":       {"t": "50001", "s": "50002"},
	"electrum3.hachre.de":        {"t": "50001", "s": "50002"},
	"b.1209k.com":                {"t": "50001", "s": "50002"},
	"elec.luggs.co":              {"s": "443"},
	"btc.smsys.me":               {"t": "110", "s": "995"},
}

// DefaultServers returns a fresh copy of the hard-coded seed directory so
// callers can safely merge peer-supplied entries into it.
func DefaultServers() HostMap {
	out := make(HostMap, len(defaultServers))
	for host, attrs := range defaultServers {
		m := make(map[string]string, len(attrs))
		for k, v := range attrs {
			m[k] = v
		}
		out[host] = m
	}
	return out
}

var (
	portFeatureRE    = regexp.MustCompile(`^[st]\d*$`)
	versionFeatureRE = regexp.MustCompile(`^v(.?)+$`)
	pruningFeatureRE = regexp.MustCompile(`^p\d*$`)
)

// ParseServers converts a server.peers.subscribe result into directory
// form. Each entry is (ignored, host, features); a feature "s50002" or
// "t" sets the port for that protocol (empty means default), "v1.1" the
// protocol version and "p100" the pruning level. Entries exposing no
// protocol port at all are dropped.
func ParseServers(result []interface{}) HostMap {
	servers := make(HostMap)
	for _, item := range result {
		entry, ok := item.([]interface{})
		if !ok || len(entry) < 2 {
			continue
		}
		host, ok := entry[1].(string)
		if !ok {
			continue
		}
		out := make(map[string]string)
		var version string
		pruning := "-"
		if len(entry) > 2 {
			features, _ := entry[2].([]interface{})
			for _, f := range features {
				v, ok := f.(string)
				if !ok {
					continue
				}
				switch {
				case portFeatureRE.MatchString(v):
					protocol, port := v[:1], v[1:]
					if port == "" {
						port = DefaultPorts[protocol]
					}
					out[protocol] = port
				case versionFeatureRE.MatchString(v):
					version = v[1:]
				case pruningFeatureRE.MatchString(v):
					pruning = v[1:]
				}
				if pruning == "" {
					pruning = "0"
				}
			}
		}
		if len(out) > 0 {
			out["pruning"] = pruning
			out["version"] = version
			servers[host] = out
		}
	}
	return servers
}

// normalizeVersion turns a dotted version string into comparable integer
// components.
func normalizeVersion(v string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty version")
	}
	return out, nil
}

// versionAtLeast reports whether version v is at least version min. Any
// parse failure counts as too old.
func versionAtLeast(v, min string) bool {
	a, err := normalizeVersion(v)
	if err != nil {
		return false
	}
	b, err := normalizeVersion(min)
	if err != nil {
		return false
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) >= len(b)
}

// FilterVersion retains only directory entries advertising at least our
// protocol version.
func FilterVersion(servers HostMap) HostMap {
	out := make(HostMap)
	for host, attrs := range servers {
		if versionAtLeast(attrs["version"], ProtocolVersion) {
			out[host] = attrs
		}
	}
	return out
}

// FilterProtocol returns the serialized descriptors of every host
// implementing the given protocol.
func FilterProtocol(hostmap HostMap, protocol string) []string {
	var eligible []string
	for host, attrs := range hostmap {
		if port := attrs[protocol]; port != "" {
			eligible = append(eligible, SerializeServer(host, port, protocol))
		}
	}
	return eligible
}

// PickRandomServer returns a uniformly random eligible descriptor from
// the hostmap, excluding the given set, or the empty string when nothing
// qualifies.
func PickRandomServer(hostmap HostMap, protocol string,
	exclude map[string]struct{}) string {

	var eligible []string
	for _, s := range FilterProtocol(hostmap, protocol) {
		if _, skip := exclude[s]; !skip {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return ""
	}
	return eligible[rand.Intn(len(eligible))]
}

// SerializeServer builds the host:port:protocol descriptor string.
func SerializeServer(host, port, protocol string) string {
	return strings.Join([]string{host, port, protocol}, ":")
}

// DeserializeServer splits a descriptor string, validating the protocol
// letter and that the port parses as an integer.
func DeserializeServer(server string) (host, port, protocol string, err error) {
	i := strings.LastIndex(server, ":")
	if i < 0 {
		return "", "", "", fmt.Errorf("bad server string %q", server)
	}
	rest, protocol := server[:i], server[i+1:]
	j := strings.LastIndex(rest, ":")
	if j < 0 {
		return "", "", "", fmt.Errorf("bad server string %q", server)
	}
	host, port = rest[:j], rest[j:][1:]
	if protocol != "s" && protocol != "t" {
		return "", "", "", fmt.Errorf("bad protocol %q", protocol)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", "", fmt.Errorf("bad port %q", port)
	}
	if host == "" {
		return "", "", "", fmt.Errorf("empty host in %q", server)
	}
	return host, port, protocol, nil
}

// Proxy modes supported in proxy descriptors.
var proxyModes = []string{"socks4", "socks5", "http"}

// Proxy describes an outbound proxy.
type Proxy struct {
	Mode     string
	Host     string
	Port     string
	User     string
	Password string
}

// SerializeProxy joins the proxy fields into the colon-separated
// descriptor form. A nil proxy serializes to "none".
func SerializeProxy(p *Proxy) string {
	if p == nil {
		return "none"
	}
	return strings.Join(
		[]string{p.Mode, p.Host, p.Port, p.User, p.Password}, ":",
	)
}

// DeserializeProxy parses a proxy descriptor. The literal "none" (or an
// empty string) yields nil. Missing fields fall back to socks5 on
// localhost with the mode's default port.
func DeserializeProxy(s string) *Proxy {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil
	}
	proxy := &Proxy{Mode: "socks5", Host: "localhost"}
	args := strings.Split(s, ":")
	n := 0
	if isProxyMode(args[n]) {
		proxy.Mode = args[n]
		n++
	}
	if len(args) > n {
		proxy.Host = args[n]
		n++
	}
	if len(args) > n {
		proxy.Port = args[n]
		n++
	} else if proxy.Mode == "http" {
		proxy.Port = "8080"
	} else {
		proxy.Port = "1080"
	}
	if len(args) > n {
		proxy.User = args[n]
		n++
	}
	if len(args) > n {
		proxy.Password = args[n]
	}
	return proxy
}

func isProxyMode(mode string) bool {
	for _, m := range proxyModes {
		if m == mode {
			return true
		}
	}
	return false
}
