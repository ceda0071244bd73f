package electrum

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
)

// syncMode is the state of a peer's header-discovery state machine.
type syncMode uint8

const (
	// modeDefault is the steady state: the peer's tip is attached to a
	// known branch, or no search has started yet.
	modeDefault syncMode = iota

	// modeBackward walks down from the peer's tip, widening
	// exponentially, until a locally known header is found.
	modeBackward

	// modeBinary halves the (good, bad) interval to locate the exact
	// divergence height.
	modeBinary

	// modeCatchUp streams headers (or chunks) forward on a branch the
	// peer is the leader of.
	modeCatchUp
)

func (m syncMode) String() string {
	switch m {
	case modeDefault:
		return "default"
	case modeBackward:
		return "backward"
	case modeBinary:
		return "binary"
	case modeCatchUp:
		return "catch_up"
	default:
		return "unknown"
	}
}

// requestKind tags the single outstanding synchronizer request a peer may
// have in flight.
type requestKind uint8

const (
	reqNone requestKind = iota
	reqHeader
	reqChunk
)

// syncRequest is the outstanding single-shot request of the header
// synchronizer: a header height or a chunk index.
type syncRequest struct {
	kind  requestKind
	value int64
}

// pendingRequest is a request written to the wire whose response has not
// yet arrived. The echo is attached to the response when it is matched so
// downstream consumers see the originating method and params.
type pendingRequest struct {
	id     uint64
	method string
	params []json.RawMessage
}

// Interface is one live server session: the framed connection, its
// outbound queue and pending-request table, plus the per-peer state of
// the header synchronizer. The synchronizer fields at the bottom are
// owned exclusively by the engine's event loop.
type Interface struct {
	server   string
	host     string
	port     string
	protocol string

	conn  net.Conn
	codec *jsonrpc.Codec
	clock clock.Clock

	// sendQueue decouples request producers from socket writes; the
	// send handler drains it onto the wire.
	sendQueue *queue.ConcurrentQueue

	mtx      sync.Mutex
	pending  map[uint64]*pendingRequest
	lastSend time.Time
	lastRecv time.Time

	// serverVersion is the version tuple the server reported for
	// itself.
	serverVersion json.RawMessage

	// Synchronizer state. Owned by the network event loop.
	blockchain *chain.Blockchain
	mode       syncMode
	tip        int64
	tipHeader  *chain.Header
	good       int64
	bad        int64
	badHeader  *chain.Header
	request    syncRequest
	reqTime    time.Time

	disconnect int32 // atomic
	quit       chan struct{}
	wg         sync.WaitGroup
}

// dialInterface opens the transport for a server descriptor, wrapping it
// in TLS with certificate pinning for the "s" protocol.
func dialInterface(server string, dialer proxyDialer, pin *certPin,
	clk clock.Clock) (*Interface, error) {

	host, port, protocol, err := DeserializeServer(server)
	if err != nil {
		return nil, err
	}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(host, port), dialTimeout)
	if err != nil {
		return nil, err
	}
	if protocol == "s" {
		tlsConn := tls.Client(conn, pin.tlsConfig(host))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return newInterface(server, conn, clk), nil
}

// newInterface wraps an established connection. Used directly by tests to
// drive sessions over a pipe.
func newInterface(server string, conn net.Conn, clk clock.Clock) *Interface {
	host, port, protocol, _ := DeserializeServer(server)
	now := clk.Now()
	i := &Interface{
		server:    server,
		host:      host,
		port:      port,
		protocol:  protocol,
		conn:      conn,
		codec:     jsonrpc.NewCodec(conn),
		clock:     clk,
		sendQueue: queue.NewConcurrentQueue(16),
		pending:   make(map[uint64]*pendingRequest),
		lastSend:  now,
		lastRecv:  now,
		quit:      make(chan struct{}),
	}
	i.sendQueue.Start()
	return i
}

// Server returns the session's descriptor string.
func (i *Interface) Server() string {
	return i.server
}

// QueueRequest registers the request id for response matching and places
// the frame on the outbound queue. It never blocks.
func (i *Interface) QueueRequest(method string, params []json.RawMessage,
	id uint64) {

	if params == nil {
		params = []json.RawMessage{}
	}
	i.mtx.Lock()
	i.pending[id] = &pendingRequest{id: id, method: method, params: params}
	i.mtx.Unlock()

	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	select {
	case i.sendQueue.ChanIn() <- req:
	case <-i.quit:
	}
}

// popPending removes and returns the pending request matching id, or nil
// for an id we never sent.
func (i *Interface) popPending(id uint64) *pendingRequest {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	req := i.pending[id]
	delete(i.pending, id)
	return req
}

// PendingRequests returns the requests written to this session that have
// not been answered yet.
func (i *Interface) PendingRequests() []*pendingRequest {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	out := make([]*pendingRequest, 0, len(i.pending))
	for _, r := range i.pending {
		out = append(out, r)
	}
	return out
}

func (i *Interface) markSend() {
	i.mtx.Lock()
	i.lastSend = i.clock.Now()
	i.mtx.Unlock()
}

func (i *Interface) markRecv() {
	i.mtx.Lock()
	i.lastRecv = i.clock.Now()
	i.mtx.Unlock()
}

// PingRequired reports whether the session has been send-idle long enough
// to need a keepalive.
func (i *Interface) PingRequired() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.clock.Now().Sub(i.lastSend) > pingInterval
}

// HasTimedOut reports whether nothing has arrived from the server for
// longer than the connection timeout.
func (i *Interface) HasTimedOut() bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.clock.Now().Sub(i.lastRecv) > connectionTimeout
}

// Close tears the session down. It is idempotent and returns immediately;
// WaitForShutdown blocks until the handler goroutines have drained.
func (i *Interface) Close() {
	if !atomic.CompareAndSwapInt32(&i.disconnect, 0, 1) {
		return
	}
	log.Debugf("closing connection to %s", i.server)
	i.conn.Close()
	close(i.quit)
	i.sendQueue.Stop()
}

// WaitForShutdown blocks until every handler goroutine has exited.
func (i *Interface) WaitForShutdown() {
	i.wg.Wait()
}
