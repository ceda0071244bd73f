package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/lightningnetwork/lnd/tor"
)

// dialTimeout bounds the TCP (and proxy) connect for a new session.
const dialTimeout = 10 * time.Second

// certsDirName holds one pinned certificate per TLS host under the data
// directory.
const certsDirName = "certs"

// proxyDialer abstracts the outbound dial so the engine runs identically
// over the clearnet or a user-configured proxy.
type proxyDialer interface {
	Dial(network, address string, timeout time.Duration) (net.Conn, error)
}

// socksNet dials through a SOCKS proxy using go-socks. Both socks4 and
// socks5 descriptors are driven through the same SOCKS5 client.
type socksNet struct {
	proxy *socks.Proxy
}

func (s *socksNet) Dial(network, address string,
	_ time.Duration) (net.Conn, error) {

	return s.proxy.Dial(network, address)
}

// httpNet dials through an HTTP proxy using a CONNECT tunnel.
type httpNet struct {
	addr     string
	user     string
	password string
}

func (h *httpNet) Dial(network, address string,
	timeout time.Duration) (net.Conn, error) {

	conn, err := net.DialTimeout(network, h.addr, timeout)
	if err != nil {
		return nil, err
	}
	var req bytes.Buffer
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", address, address)
	if h.user != "" {
		creds := base64.StdEncoding.EncodeToString(
			[]byte(h.user + ":" + h.password),
		)
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	req.WriteString("\r\n")

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(req.Bytes()); err != nil {
		conn.Close()
		return nil, err
	}
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, err
	}
	var proto string
	var code int
	if _, err := fmt.Sscanf(status, "%s %d", &proto, &code); err != nil ||
		code != 200 {

		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %q", status)
	}
	// Drain the remaining response headers.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// newProxyNet builds the dialer matching the proxy descriptor. A nil
// proxy dials the clearnet directly.
func newProxyNet(p *Proxy) proxyDialer {
	if p == nil {
		return &tor.ClearNet{}
	}
	addr := net.JoinHostPort(p.Host, p.Port)
	switch p.Mode {
	case "http":
		return &httpNet{addr: addr, user: p.User, password: p.Password}
	default:
		return &socksNet{proxy: &socks.Proxy{
			Addr:     addr,
			Username: p.User,
			Password: p.Password,
		}}
	}
}

// certPin implements trust-on-first-use pinning for server TLS
// certificates. The first certificate a host presents is stored under the
// certs directory; later connections must present the identical leaf.
type certPin struct {
	dir string
}

func newCertPin(dataDir string) (*certPin, error) {
	dir := filepath.Join(dataDir, certsDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &certPin{dir: dir}, nil
}

// tlsConfig returns the TLS configuration enforcing the pin for host.
// Chain verification is replaced wholesale by the pin, which matches the
// self-signed certificates most Electrum servers run with.
func (c *certPin) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte,
			_ [][]*x509.Certificate) error {

			if len(rawCerts) == 0 {
				return fmt.Errorf("no certificate presented")
			}
			return c.verify(host, rawCerts[0])
		},
	}
}

func (c *certPin) path(host string) string {
	return filepath.Join(c.dir, host)
}

func (c *certPin) verify(host string, leaf []byte) error {
	pinned, err := os.ReadFile(c.path(host))
	if os.IsNotExist(err) {
		return os.WriteFile(c.path(host), leaf, 0600)
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(pinned, leaf) {
		return fmt.Errorf("certificate for %s does not match pin", host)
	}
	return nil
}
