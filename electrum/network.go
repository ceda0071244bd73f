// Package electrum implements a multi-peer header-synchronization engine
// for a lightweight wallet client speaking the Electrum JSON protocol.
// The engine maintains a set of live server sessions, multiplexes client
// requests across them, and drives each peer through a header-discovery
// state machine that locates the common ancestor with the locally stored
// chain, detects forks and catches up to the peer's tip.
package electrum

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/config"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

// recentServersFileName persists the most recently used servers.
const recentServersFileName = "recent_servers"

// Config bundles the engine's dependencies.
type Config struct {
	// Store is the persistent key-value configuration collaborator.
	Store *config.SimpleConfig

	// Clock is the engine time source. Nil means wall-clock time.
	Clock clock.Clock

	// Ticker drives the maintenance loop. Nil means a real one-second
	// ticker; tests inject a forceable one.
	Ticker ticker.Ticker
}

// interfaceResponse pairs a decoded frame with the request it answers
// (nil echo for server-pushed notifications) and the session it arrived
// on.
type interfaceResponse struct {
	iface *Interface
	echo  *pendingRequest
	resp  *jsonrpc.Response
}

// bootResult reports the outcome of an asynchronous connection attempt.
type bootResult struct {
	server string
	iface  *Interface
	err    error
}

// query runs a closure on the event loop, which owns all mutable engine
// state.
type query struct {
	fn   func()
	done chan struct{}
}

// pendingSend is one client send() call waiting for a main server.
type pendingSend struct {
	messages []Message
	callback ResponseCallback
}

// clientRequest is an unanswered client-initiated request, reissued with
// a fresh id whenever the main server changes.
type clientRequest struct {
	method   string
	params   []json.RawMessage
	callback ResponseCallback
}

// Network is the engine. One event-loop goroutine owns every field not
// explicitly documented as thread-safe; foreign threads interact through
// the exported API only.
type Network struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg    *config.SimpleConfig
	clock  clock.Clock
	tick   ticker.Ticker
	events *eventBus
	pin    *certPin

	// messageID is the process-wide monotonic request id. Atomic.
	messageID uint64

	// Everything below is owned by the event loop.
	interfaces          map[string]*Interface
	connecting          map[string]struct{}
	iface               *Interface
	defaultServer       string
	protocol            string
	proxy               *Proxy
	dialer              proxyDialer
	autoConnect         bool
	oneServer           bool
	numServer           int
	stopped             bool
	connectionStatus    string
	disconnectedServers map[string]struct{}
	serverRetryTime     time.Time
	nodesRetryTime      time.Time

	blockchains     map[int64]*chain.Blockchain
	blockchainIndex int64
	requestedChunks map[int64]struct{}

	ircServers    HostMap
	recentServers []string

	banner          string
	donationAddress string
	relayFee        int64

	subscriptions       map[string][]subscriptionEntry
	subCache            map[string]*jsonrpc.Response
	subscribedAddresses map[string]struct{}
	unansweredRequests  map[uint64]*clientRequest
	deferredSends       []*pendingSend

	// h2addr maps scripthashes back to the addresses clients subscribed
	// with. Written by foreign threads at subscription time, read at
	// dispatch, so it has its own mutex.
	addrMtx sync.Mutex
	h2addr  map[string]string

	pendingSends *queue.ConcurrentQueue
	responses    chan *interfaceResponse
	bootResults  chan *bootResult
	connDown     chan string
	queries      chan *query

	debug bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// New assembles the engine: loads the stored chain branches, sanitizes
// the configured default server and prepares the certificate store. The
// engine does no networking until Start.
func New(cfg *Config) (*Network, error) {
	store := cfg.Store
	if store == nil || store.Path() == "" {
		return nil, fmt.Errorf("network requires a config store " +
			"backed by a data directory")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	tick := cfg.Ticker
	if tick == nil {
		tick = ticker.New(maintenanceInterval)
	}

	blockchains, err := chain.ReadBlockchains(store.Path())
	if err != nil {
		return nil, err
	}
	log.Infof("loaded %d chain branch(es)", len(blockchains))

	pin, err := newCertPin(store.Path())
	if err != nil {
		return nil, err
	}

	n := &Network{
		cfg:                 store,
		clock:               clk,
		tick:                tick,
		events:              newEventBus(),
		pin:                 pin,
		interfaces:          make(map[string]*Interface),
		connecting:          make(map[string]struct{}),
		disconnectedServers: make(map[string]struct{}),
		blockchains:         blockchains,
		requestedChunks:     make(map[int64]struct{}),
		subscriptions:       make(map[string][]subscriptionEntry),
		subCache:            make(map[string]*jsonrpc.Response),
		subscribedAddresses: make(map[string]struct{}),
		unansweredRequests:  make(map[uint64]*clientRequest),
		h2addr:              make(map[string]string),
		pendingSends:        queue.NewConcurrentQueue(16),
		responses:           make(chan *interfaceResponse, 128),
		bootResults:         make(chan *bootResult, 16),
		connDown:            make(chan string, 16),
		queries:             make(chan *query),
		connectionStatus:    StatusDisconnected,
		quit:                make(chan struct{}),
	}

	n.oneServer = store.GetBool("oneserver", false)
	n.numServer = defaultNumServer
	if n.oneServer {
		n.numServer = 0
	}
	n.autoConnect = store.GetBool("auto_connect", true)
	n.debug = store.GetBool("debug", false)

	n.blockchainIndex = store.GetInt("blockchain_index", 0)
	if _, ok := n.blockchains[n.blockchainIndex]; !ok {
		n.blockchainIndex = 0
	}

	n.defaultServer = store.GetString("server", "")
	if n.defaultServer != "" {
		if _, _, _, err := DeserializeServer(n.defaultServer); err != nil {
			log.Warnf("failed to parse configured server %q, "+
				"falling back to random", n.defaultServer)
			n.defaultServer = ""
		}
	}
	if n.defaultServer == "" {
		n.defaultServer = PickRandomServer(DefaultServers(), "s", nil)
	}
	if n.defaultServer == "" {
		return nil, fmt.Errorf("no eligible default server")
	}

	n.recentServers = n.readRecentServers()
	n.serverRetryTime = clk.Now()
	n.nodesRetryTime = clk.Now()

	return n, nil
}

// Start launches the event loop and begins opening connections.
func (n *Network) Start() error {
	if !atomic.CompareAndSwapInt32(&n.started, 0, 1) {
		return nil
	}
	log.Info("starting network")
	n.pendingSends.Start()
	n.tick.Resume()
	n.wg.Add(1)
	go n.networkHandler()
	return nil
}

// Stop shuts the engine down, closing every session with bounded waits.
// It blocks until the event loop has exited.
func (n *Network) Stop() {
	if !atomic.CompareAndSwapInt32(&n.shutdown, 0, 1) {
		return
	}
	log.Info("stopping network")
	close(n.quit)
	n.wg.Wait()
}

// networkHandler is the event loop. It owns all mutable engine state: the
// session sets, the router tables, branch leader slots and the current
// main server.
//
// NOTE: This MUST be run as a goroutine.
func (n *Network) networkHandler() {
	defer n.wg.Done()

	_, _, protocol, _ := DeserializeServer(n.defaultServer)
	n.startNetwork(protocol, DeserializeProxy(n.cfg.GetString("proxy", "none")))

out:
	for {
		select {
		case <-n.tick.Ticks():
			n.maintainRequests()
			n.maintainInterfaces()
			n.drainDeferredSends()

		case r := <-n.responses:
			n.processResponse(r)

		case br := <-n.bootResults:
			n.handleBootResult(br)

		case server := <-n.connDown:
			n.connectionDown(server)

		case item, ok := <-n.pendingSends.ChanOut():
			if !ok {
				break out
			}
			n.processPendingSend(item.(*pendingSend))

		case q := <-n.queries:
			q.fn()
			close(q.done)

		case <-n.quit:
			break out
		}
	}

	n.stopNetwork()
	n.pendingSends.Stop()
	n.tick.Stop()
}

// runQuery executes fn on the event loop and waits for it to finish. It
// is the thread-safe entry point every control operation goes through.
func (n *Network) runQuery(fn func()) {
	q := &query{fn: fn, done: make(chan struct{})}
	select {
	case n.queries <- q:
		select {
		case <-q.done:
		case <-n.quit:
		}
	case <-n.quit:
	}
}

// startNetwork initializes connection state and dials the first batch of
// servers. Loop only.
func (n *Network) startNetwork(protocol string, proxy *Proxy) {
	n.stopped = false
	n.protocol = protocol
	n.proxy = proxy
	n.dialer = newProxyNet(proxy)
	n.disconnectedServers = make(map[string]struct{})
	n.startInterfaces()
}

// stopNetwork closes the main session and every other session with a
// bounded wait each. Loop only.
func (n *Network) stopNetwork() {
	n.stopped = true
	log.Info("stopping interfaces")
	for server, i := range n.interfaces {
		delete(n.interfaces, server)
		i.Close()
		if !waitTimeout(i.WaitForShutdown, closeTimeout) {
			log.Warnf("session %s too slow to close", server)
		}
	}
	n.iface = nil
	n.connecting = make(map[string]struct{})
	n.setStatus(StatusDisconnected)
}

func waitTimeout(wait func(), timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// startInterfaces dials the default server plus random peers up to the
// fan-out target. Loop only.
func (n *Network) startInterfaces() {
	n.startInterface(n.defaultServer)
	for i := 0; i < n.numServer-1; i++ {
		n.startRandomInterface()
	}
}

// startInterface begins opening a connection to server unless one is
// already live or in progress. Loop only.
func (n *Network) startInterface(server string) {
	if _, ok := n.interfaces[server]; ok {
		return
	}
	if _, ok := n.connecting[server]; ok {
		return
	}
	if server == n.defaultServer {
		log.Infof("connecting to %s as new main interface", server)
		n.setStatus(StatusConnecting)
	}
	n.connecting[server] = struct{}{}
	n.addRecentServer(server)

	dialer := n.dialer
	n.wg.Add(1)
	go n.connectAndBoot(server, dialer)
}

// startRandomInterface opens a connection to a random eligible server.
// Loop only.
func (n *Network) startRandomInterface() {
	exclude := make(map[string]struct{}, len(n.disconnectedServers)+
		len(n.interfaces)+len(n.connecting))
	for s := range n.disconnectedServers {
		exclude[s] = struct{}{}
	}
	for s := range n.interfaces {
		exclude[s] = struct{}{}
	}
	for s := range n.connecting {
		exclude[s] = struct{}{}
	}
	server := PickRandomServer(n.getServers(), n.protocol, exclude)
	if server != "" {
		n.startInterface(server)
	}
}

// connectAndBoot dials a server and performs the server.version
// handshake with a bounded deadline, reporting the outcome back to the
// event loop.
//
// NOTE: This MUST be run as a goroutine.
func (n *Network) connectAndBoot(server string, dialer proxyDialer) {
	defer n.wg.Done()

	fail := func(err error) {
		log.Debugf("connection to %s failed: %v", server, err)
		select {
		case n.bootResults <- &bootResult{server: server, err: err}:
		case <-n.quit:
		}
	}

	iface, err := dialInterface(server, dialer, n.pin, n.clock)
	if err != nil {
		fail(err)
		return
	}

	params, err := jsonrpc.MarshalParams(ClientVersion, ProtocolVersion)
	if err != nil {
		iface.Close()
		fail(err)
		return
	}
	iface.conn.SetDeadline(time.Now().Add(bootTimeout))
	req := &jsonrpc.Request{
		ID:     n.nextMessageID(),
		Method: "server.version",
		Params: params,
	}
	if err := iface.codec.Send(req); err != nil {
		iface.Close()
		fail(err)
		return
	}
	resp, err := iface.codec.Recv()
	if err != nil {
		iface.Close()
		fail(err)
		return
	}
	iface.conn.SetDeadline(time.Time{})
	iface.serverVersion = resp.Result
	iface.markSend()
	iface.markRecv()

	select {
	case n.bootResults <- &bootResult{server: server, iface: iface}:
	case <-n.quit:
		iface.Close()
	}
}

// handleBootResult finishes (or abandons) the boot of a session: the peer
// joins the live set, its handler tasks start, and it subscribes to the
// header stream. Loop only.
func (n *Network) handleBootResult(br *bootResult) {
	delete(n.connecting, br.server)

	if br.err != nil {
		n.connectionDown(br.server)
		return
	}
	if n.stopped {
		br.iface.Close()
		return
	}

	iface := br.iface
	n.interfaces[br.server] = iface
	n.startInterfaceHandlers(iface)
	n.queueRequest("blockchain.headers.subscribe", nil, iface)
	if br.server == n.defaultServer {
		n.switchToInterface(br.server)
	}
}

// startInterfaceHandlers spawns the three per-session tasks: keepalive,
// outbound driver and inbound driver.
func (n *Network) startInterfaceHandlers(i *Interface) {
	i.wg.Add(3)
	go n.sendHandler(i)
	go n.readHandler(i)
	go n.pingHandler(i)
}

// sendHandler drains the session's outbound queue onto the wire.
//
// NOTE: This MUST be run as a goroutine.
func (n *Network) sendHandler(i *Interface) {
	defer i.wg.Done()

	for {
		select {
		case item, ok := <-i.sendQueue.ChanOut():
			if !ok {
				return
			}
			req := item.(*jsonrpc.Request)
			if err := i.codec.Send(req); err != nil {
				log.Debugf("send to %s failed: %v", i.server, err)
				n.postConnDown(i)
				return
			}
			i.markSend()

		case <-i.quit:
			return
		}
	}
}

// readHandler decodes incoming frames, matches replies to their pending
// requests, and forwards everything to the event loop in arrival order.
//
// NOTE: This MUST be run as a goroutine.
func (n *Network) readHandler(i *Interface) {
	defer i.wg.Done()

	for {
		resp, err := i.codec.Recv()
		if err != nil {
			// Remote closure or a malformed frame both take the
			// session down, unless we closed it ourselves.
			if atomic.LoadInt32(&i.disconnect) == 0 {
				log.Debugf("read from %s failed: %v",
					i.server, err)
				n.postConnDown(i)
			}
			return
		}
		i.markRecv()

		var echo *pendingRequest
		if resp.ID != nil {
			echo = i.popPending(*resp.ID)
			if echo == nil {
				log.Warnf("%s answered unknown id %d",
					i.server, *resp.ID)
				n.postConnDown(i)
				return
			}
		}

		select {
		case n.responses <- &interfaceResponse{
			iface: i, echo: echo, resp: resp,
		}:
		case <-i.quit:
			return
		case <-n.quit:
			return
		}
	}
}

// pingHandler keeps the session alive: it issues a keepalive
// server.version when the link has been send-idle too long and downs the
// session when nothing has arrived past the connection timeout.
//
// NOTE: This MUST be run as a goroutine.
func (n *Network) pingHandler(i *Interface) {
	defer i.wg.Done()

	t := time.NewTicker(maintenanceInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if i.HasTimedOut() {
				log.Infof("%s timed out", i.server)
				n.postConnDown(i)
				return
			}
			if i.PingRequired() {
				params, err := jsonrpc.MarshalParams(
					ClientVersion, ProtocolVersion,
				)
				if err == nil {
					n.queueRequest("server.version", params, i)
				}
			}

		case <-i.quit:
			return
		}
	}
}

// postConnDown reports a failed session to the event loop from a handler
// goroutine.
func (n *Network) postConnDown(i *Interface) {
	select {
	case n.connDown <- i.server:
	case <-n.quit:
	}
}

// connectionDown tears down a server that went away or never came up:
// the session leaves the live set, its descriptor is marked disconnected
// and any branch leadership it held is released. Loop only.
func (n *Network) connectionDown(server string) {
	log.Infof("connection down: %s", server)
	n.disconnectedServers[server] = struct{}{}
	if server == n.defaultServer {
		n.setStatus(StatusDisconnected)
	}
	if i, ok := n.interfaces[server]; ok {
		n.closeInterface(i)
		n.notify(EventInterfaces)
	}
	for _, b := range n.blockchains {
		if b.CatchUp() == server {
			b.SetCatchUp("")
		}
	}
}

// closeInterface removes a session from the live set and closes it. Loop
// only.
func (n *Network) closeInterface(i *Interface) {
	delete(n.interfaces, i.server)
	if i.server == n.defaultServer {
		n.iface = nil
	}
	i.Close()
}

// maintainRequests downs any session whose outstanding synchronizer
// request has gone unanswered for too long. Loop only.
func (n *Network) maintainRequests() {
	for _, i := range n.interfaces {
		if i.request.kind == reqNone {
			continue
		}
		if n.clock.Now().Sub(i.reqTime) > requestTimeout {
			log.Infof("%s: blockchain request timed out", i.server)
			n.connectionDown(i.server)
		}
	}
}

// maintainInterfaces enforces the fan-out target, retries the default
// server and refreshes fee estimates. Loop only.
func (n *Network) maintainInterfaces() {
	if n.stopped {
		return
	}
	now := n.clock.Now()

	if len(n.interfaces)+len(n.connecting) < n.numServer {
		n.startRandomInterface()
		if now.Sub(n.nodesRetryTime) > nodesRetryInterval {
			log.Debug("retrying connections")
			n.disconnectedServers = make(map[string]struct{})
			n.nodesRetryTime = now
		}
	}

	if n.iface == nil {
		if n.autoConnect {
			if !n.isConnecting() {
				n.switchToRandomInterface()
			}
		} else {
			if _, down := n.disconnectedServers[n.defaultServer]; down {
				if now.Sub(n.serverRetryTime) > serverRetryInterval {
					delete(n.disconnectedServers, n.defaultServer)
					n.serverRetryTime = now
				}
			} else {
				n.switchToInterface(n.defaultServer)
			}
		}
	} else if n.cfg.IsFeeEstimatesUpdateRequired() {
		n.requestFeeEstimates()
	}
}

// switchToRandomInterface adopts a random connected server other than the
// current default as main. Loop only.
func (n *Network) switchToRandomInterface() {
	var servers []string
	for s := range n.interfaces {
		if s != n.defaultServer {
			servers = append(servers, s)
		}
	}
	if len(servers) > 0 {
		n.switchToInterface(servers[rand.Intn(len(servers))])
	}
}

// serverIsLagging reports whether the main server's advertised tip is
// more than the lagging threshold behind the local chain. Loop only.
func (n *Network) serverIsLagging() bool {
	sh := n.getServerHeight()
	if sh == 0 {
		log.Debug("no height for main interface")
		return true
	}
	lh := n.getLocalHeight()
	if lh-sh > laggingThreshold {
		log.Infof("%s is lagging (%d vs %d)", n.defaultServer, sh, lh)
		return true
	}
	return false
}

// switchLaggingInterface moves the main slot to a random peer whose tip
// header matches our local chain, if auto-connect is on and the current
// main is lagging. Loop only.
func (n *Network) switchLaggingInterface() {
	if !n.serverIsLagging() || !n.autoConnect {
		return
	}
	header := n.blockchain().ReadHeader(n.getLocalHeight())
	if header == nil {
		return
	}
	var filtered []string
	for s, i := range n.interfaces {
		if chain.SameHeader(i.tipHeader, header) {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) > 0 {
		n.switchToInterface(filtered[rand.Intn(len(filtered))])
	}
}

// switchToInterface makes server our main interface. If it is not yet
// connected the switch is deferred until its boot completes. Loop only.
func (n *Network) switchToInterface(server string) {
	n.defaultServer = server
	i, ok := n.interfaces[server]
	if !ok {
		n.iface = nil
		n.startInterface(server)
		return
	}
	if n.iface != i {
		log.Infof("switching to %s", server)
		n.iface = i
		n.sendSubscriptions()
		n.setStatus(StatusConnected)
		n.notify(EventUpdated)
	}
}

// setStatus records the connection status and fires the status event.
// Loop only.
func (n *Network) setStatus(status string) {
	n.connectionStatus = status
	n.notify(EventStatus)
}

func (n *Network) isConnecting() bool {
	return n.connectionStatus == StatusConnecting
}

// blockchain returns the branch clients currently follow: the main
// server's branch if it has one, else the selected index. Loop only.
func (n *Network) blockchain() *chain.Blockchain {
	if n.iface != nil && n.iface.blockchain != nil {
		n.blockchainIndex = n.iface.blockchain.Checkpoint()
	}
	return n.blockchains[n.blockchainIndex]
}

func (n *Network) getLocalHeight() int64 {
	return n.blockchain().Height()
}

func (n *Network) getServerHeight() int64 {
	if n.iface == nil {
		return 0
	}
	return n.iface.tip
}

func (n *Network) getInterfaces() []string {
	out := make([]string, 0, len(n.interfaces))
	for s := range n.interfaces {
		out = append(out, s)
	}
	return out
}

// getServers merges the peer-pushed directory (or the recent-servers
// list) into a copy of the hard-coded seeds. Loop only.
func (n *Network) getServers() HostMap {
	out := DefaultServers()
	if len(n.ircServers) > 0 {
		for host, attrs := range FilterVersion(n.ircServers) {
			out[host] = attrs
		}
		return out
	}
	for _, s := range n.recentServers {
		host, port, protocol, err := DeserializeServer(s)
		if err != nil {
			continue
		}
		if _, ok := out[host]; !ok {
			out[host] = map[string]string{protocol: port}
		}
	}
	return out
}

// getStatusValue resolves an event key to its current value. Loop only.
func (n *Network) getStatusValue(key string) interface{} {
	switch key {
	case EventStatus:
		return n.connectionStatus
	case EventBanner:
		return n.banner
	case EventFee:
		return n.cfg.FeeEstimates()
	case EventUpdated:
		return [2]int64{n.getLocalHeight(), n.getServerHeight()}
	case EventServers:
		return n.getServers()
	case EventInterfaces:
		return n.getInterfaces()
	default:
		return nil
	}
}

// notify fires an event. The status and updated events carry no value;
// the rest deliver their current status value. Loop only.
func (n *Network) notify(key string) {
	switch key {
	case EventStatus, EventUpdated:
		n.events.trigger(key, nil)
	default:
		n.events.trigger(key, n.getStatusValue(key))
	}
}

// readRecentServers loads the recent-servers file.
func (n *Network) readRecentServers() []string {
	if n.cfg.Path() == "" {
		return nil
	}
	raw, err := os.ReadFile(
		filepath.Join(n.cfg.Path(), recentServersFileName),
	)
	if err != nil {
		return nil
	}
	var servers []string
	if err := json.Unmarshal(raw, &servers); err != nil {
		return nil
	}
	return servers
}

// saveRecentServers persists the recent-servers list, best effort.
func (n *Network) saveRecentServers() {
	if n.cfg.Path() == "" {
		return
	}
	raw, err := json.MarshalIndent(n.recentServers, "", "    ")
	if err != nil {
		return
	}
	path := filepath.Join(n.cfg.Path(), recentServersFileName)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		log.Debugf("unable to save recent servers: %v", err)
	}
}

// addRecentServer moves server to the front of the recent list, capped.
// Loop only.
func (n *Network) addRecentServer(server string) {
	out := make([]string, 0, len(n.recentServers)+1)
	out = append(out, server)
	for _, s := range n.recentServers {
		if s != server {
			out = append(out, s)
		}
	}
	if len(out) > maxRecentServers {
		out = out[:maxRecentServers]
	}
	n.recentServers = out
	n.saveRecentServers()
}

// nextMessageID allocates the next process-wide request id.
func (n *Network) nextMessageID() uint64 {
	return atomic.AddUint64(&n.messageID, 1) - 1
}
