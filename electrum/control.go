package electrum

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/btcsuite/btcd/btcutil"
)

// Errors returned by the control API.
var (
	// ErrTimeout is returned when a synchronous request outlives its
	// deadline.
	ErrTimeout = errors.New("server did not answer")

	// ErrUnknownChain is returned by FollowChain for an unknown branch
	// index.
	ErrUnknownChain = errors.New("blockchain not found")
)

// defaultRequestTimeout bounds SynchronousGet and Broadcast.
const defaultRequestTimeout = 30 * time.Second

// RegisterCallback subscribes cb to the named engine events. Safe from
// any thread.
func (n *Network) RegisterCallback(events []string,
	cb EventCallback) *CallbackHandle {

	return n.events.register(events, cb)
}

// UnregisterCallback removes a previously registered event callback.
func (n *Network) UnregisterCallback(handle *CallbackHandle) {
	n.events.unregister(handle)
}

// IsConnected reports whether a main server is currently adopted.
func (n *Network) IsConnected() bool {
	var connected bool
	n.runQuery(func() {
		connected = n.iface != nil
	})
	return connected
}

// IsUpToDate reports whether every client request has been answered.
func (n *Network) IsUpToDate() bool {
	var upToDate bool
	n.runQuery(func() {
		upToDate = len(n.unansweredRequests) == 0
	})
	return upToDate
}

// GetParameters returns the current connection parameters.
func (n *Network) GetParameters() (host, port, protocol string,
	proxy *Proxy, autoConnect bool) {

	n.runQuery(func() {
		host, port, protocol, _ = DeserializeServer(n.defaultServer)
		proxy = n.proxy
		autoConnect = n.autoConnect
	})
	return host, port, protocol, proxy, autoConnect
}

// GetInterfaces returns the descriptors of every connected session.
func (n *Network) GetInterfaces() []string {
	var out []string
	n.runQuery(func() {
		out = n.getInterfaces()
	})
	return out
}

// GetServers returns the current directory view.
func (n *Network) GetServers() HostMap {
	var out HostMap
	n.runQuery(func() {
		out = n.getServers()
	})
	return out
}

// GetServerHeight returns the main server's advertised tip height, or 0.
func (n *Network) GetServerHeight() int64 {
	var h int64
	n.runQuery(func() {
		h = n.getServerHeight()
	})
	return h
}

// GetLocalHeight returns the height of the followed branch.
func (n *Network) GetLocalHeight() int64 {
	var h int64
	n.runQuery(func() {
		h = n.getLocalHeight()
	})
	return h
}

// GetHeader reads a stored header from the followed branch, or nil.
func (n *Network) GetHeader(height int64) *chain.Header {
	var header *chain.Header
	n.runQuery(func() {
		header = n.blockchain().ReadHeader(height)
	})
	return header
}

// RelayFee returns the main server's minimum relay fee in satoshi per
// kilobyte.
func (n *Network) RelayFee() int64 {
	var fee int64
	n.runQuery(func() {
		fee = n.relayFee
	})
	return fee
}

// GetStatusValue resolves an event key to its current value.
func (n *Network) GetStatusValue(key string) interface{} {
	var v interface{}
	n.runQuery(func() {
		v = n.getStatusValue(key)
	})
	return v
}

// GetDonationAddress returns the main server's donation address, or the
// empty string while disconnected.
func (n *Network) GetDonationAddress() string {
	var addr string
	n.runQuery(func() {
		if n.iface != nil {
			addr = n.donationAddress
		}
	})
	return addr
}

// GetBlockchains groups connected sessions by the branch they follow,
// keyed by branch checkpoint.
func (n *Network) GetBlockchains() map[int64][]string {
	var out map[int64][]string
	n.runQuery(func() {
		out = n.getBlockchains()
	})
	if out == nil {
		out = make(map[int64][]string)
	}
	return out
}

// getBlockchains groups connected sessions by branch checkpoint. Loop
// only.
func (n *Network) getBlockchains() map[int64][]string {
	out := make(map[int64][]string)
	for k, b := range n.blockchains {
		for _, i := range n.interfaces {
			if i.blockchain == b {
				out[k] = append(out[k], i.server)
			}
		}
	}
	return out
}

// FollowChain switches the client-visible branch to the one keyed by
// index and adopts a session on it as main.
func (n *Network) FollowChain(index int64) error {
	var err error
	n.runQuery(func() {
		branch, ok := n.blockchains[index]
		if !ok {
			err = fmt.Errorf("%w: %d", ErrUnknownChain, index)
			return
		}
		n.blockchainIndex = index
		n.cfg.SetKey("blockchain_index", index, true)
		for _, i := range n.interfaces {
			if i.blockchain == branch {
				n.switchToInterface(i.server)
				break
			}
		}
	})
	return err
}

// SetParameters validates and persists new connection parameters, then
// applies them: a proxy or protocol change restarts the network, a
// server change switches the main session, anything else re-evaluates
// the lagging switch. Safe from any thread.
func (n *Network) SetParameters(host, port, protocol string, proxy *Proxy,
	autoConnect bool) error {

	server := SerializeServer(host, port, protocol)
	if _, _, _, err := DeserializeServer(server); err != nil {
		return err
	}
	if proxy != nil {
		if !isProxyMode(proxy.Mode) {
			return fmt.Errorf("bad proxy mode %q", proxy.Mode)
		}
		if _, err := portNumber(proxy.Port); err != nil {
			return fmt.Errorf("bad proxy port %q", proxy.Port)
		}
	}
	proxyStr := SerializeProxy(proxy)

	n.cfg.SetKey("auto_connect", autoConnect, false)
	n.cfg.SetKey("proxy", proxyStr, false)
	n.cfg.SetKey("server", server, true)
	// Abort if the config store did not allow the changes.
	if n.cfg.GetString("server", "") != server ||
		n.cfg.GetString("proxy", "none") != proxyStr {

		return nil
	}

	n.runQuery(func() {
		n.autoConnect = autoConnect
		switch {
		case SerializeProxy(n.proxy) != proxyStr ||
			n.protocol != protocol:

			// Restart the network defaulting to the given server.
			n.stopNetwork()
			n.defaultServer = server
			n.startNetwork(protocol, proxy)
			n.notify(EventInterfaces)

		case n.defaultServer != server:
			n.switchToInterface(server)

		default:
			n.switchLaggingInterface()
			n.notify(EventUpdated)
		}
	})
	return nil
}

func portNumber(port string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return 0, err
	}
	return p, nil
}

// SynchronousGet posts a single request and blocks for its result, with
// a bounded wait. A zero timeout applies the default. Safe from any
// thread.
func (n *Network) SynchronousGet(msg Message,
	timeout time.Duration) (json.RawMessage, error) {

	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	replies := make(chan *jsonrpc.Response, 1)
	n.Send([]Message{msg}, func(resp *jsonrpc.Response) {
		select {
		case replies <- resp:
		default:
		}
	})
	select {
	case resp := <-replies:
		if err := resp.ServerError(); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-n.quit:
		return nil, ErrTimeout
	}
}

// Broadcast submits a transaction through the main server and verifies
// the server echoes its txid. It returns the txid on success.
func (n *Network) Broadcast(tx *btcutil.Tx,
	timeout time.Duration) (string, error) {

	var buf bytes.Buffer
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return "", err
	}
	msg, err := NewMessage(
		"blockchain.transaction.broadcast",
		hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return "", err
	}
	result, err := n.SynchronousGet(msg, timeout)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(result, &out); err != nil {
		out = string(result)
	}
	if out != tx.Hash().String() {
		return "", fmt.Errorf("broadcast rejected: %s", out)
	}
	return out, nil
}

// ExportCheckpoints derives the checkpoint list from the followed branch
// and writes it to path as JSON.
func (n *Network) ExportCheckpoints(path string) error {
	var branch *chain.Blockchain
	n.runQuery(func() {
		branch = n.blockchain()
	})
	if branch == nil {
		return ErrUnknownChain
	}
	cp, err := branch.GetCheckpoints()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cp, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}
