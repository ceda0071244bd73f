package electrum

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/config"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
)

// ResponseCallback consumes responses in their canonical shape: Method
// and Params always describe the originating request, Result carries the
// payload.
type ResponseCallback func(*jsonrpc.Response)

// Message is one (method, params) pair for Send.
type Message struct {
	Method string
	Params []json.RawMessage
}

// NewMessage builds a Message, marshaling each parameter.
func NewMessage(method string, params ...interface{}) (Message, error) {
	raw, err := jsonrpc.MarshalParams(params...)
	if err != nil {
		return Message{}, err
	}
	return Message{Method: method, Params: raw}, nil
}

// subscriptionEntry is one registered subscription callback. The id is
// the callback's function pointer, used for dedup and for Unsubscribe.
type subscriptionEntry struct {
	id uintptr
	cb ResponseCallback
}

func callbackID(cb ResponseCallback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

// indexKey is the hashable identity of a subscription: the method plus
// the first parameter when there is one. All multi-argument subscribed
// methods place the identifying value first.
func indexKey(method string, params []json.RawMessage) string {
	if len(params) == 0 {
		return method
	}
	return method + ":" + rawToken(params[0])
}

// rawToken renders a raw JSON parameter as a plain token (strings lose
// their quotes) for use in index keys.
func rawToken(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// queueRequest assigns the next message id and places the request on the
// session's outbound queue. A nil iface targets the main session. Loop
// only.
func (n *Network) queueRequest(method string, params []json.RawMessage,
	iface *Interface) uint64 {

	if iface == nil {
		iface = n.iface
	}
	id := n.nextMessageID()
	if n.debug {
		log.Debugf("%s --> %s %s (id %d)", iface.server, method,
			spew.Sdump(params), id)
	}
	iface.QueueRequest(method, params, id)
	return id
}

// Send enqueues client messages with a shared callback. The actual
// transmission happens on the event loop once a main server is
// available; subscription messages replay their cached response without
// touching the network.
func (n *Network) Send(messages []Message, callback ResponseCallback) {
	ps := &pendingSend{messages: messages, callback: callback}
	select {
	case n.pendingSends.ChanIn() <- ps:
	case <-n.quit:
	}
}

// processPendingSend handles one queued client send. Without a main
// server the item is parked until the next maintenance tick. Loop only.
func (n *Network) processPendingSend(ps *pendingSend) {
	if n.iface == nil {
		n.deferredSends = append(n.deferredSends, ps)
		return
	}
	for _, msg := range ps.messages {
		var cached *jsonrpc.Response
		if strings.HasSuffix(msg.Method, ".subscribe") {
			key := indexKey(msg.Method, msg.Params)
			n.addSubscription(key, ps.callback)
			cached = n.subCache[key]
		}
		if cached != nil {
			log.Debugf("cache hit for %s",
				indexKey(msg.Method, msg.Params))
			ps.callback(cached)
			continue
		}
		id := n.queueRequest(msg.Method, msg.Params, nil)
		n.unansweredRequests[id] = &clientRequest{
			method:   msg.Method,
			params:   msg.Params,
			callback: ps.callback,
		}
	}
}

// drainDeferredSends retries parked sends once a main server exists.
// Loop only.
func (n *Network) drainDeferredSends() {
	if n.iface == nil || len(n.deferredSends) == 0 {
		return
	}
	deferred := n.deferredSends
	n.deferredSends = nil
	for _, ps := range deferred {
		n.processPendingSend(ps)
	}
}

// addSubscription registers a callback under a subscription key, once.
// Loop only.
func (n *Network) addSubscription(key string, cb ResponseCallback) {
	id := callbackID(cb)
	for _, entry := range n.subscriptions[key] {
		if entry.id == id {
			return
		}
	}
	n.subscriptions[key] = append(
		n.subscriptions[key], subscriptionEntry{id: id, cb: cb},
	)
}

// Unsubscribe removes a callback from every subscription list, freeing
// its references. The server keeps pushing; later notifications for keys
// with no callbacks left are consumed by the engine alone.
func (n *Network) Unsubscribe(cb ResponseCallback) {
	id := callbackID(cb)
	n.runQuery(func() {
		for key, list := range n.subscriptions {
			kept := list[:0]
			for _, entry := range list {
				if entry.id != id {
					kept = append(kept, entry)
				}
			}
			n.subscriptions[key] = kept
		}
	})
}

// processResponse canonicalizes one incoming frame, resolves its
// callbacks and runs the engine's built-in handlers. Loop only.
func (n *Network) processResponse(ir *interfaceResponse) {
	iface, echo, resp := ir.iface, ir.echo, ir.resp
	if live := n.interfaces[iface.server]; live != iface {
		// The session was torn down while this frame sat in the
		// response channel.
		return
	}
	if n.debug {
		log.Debugf("%s <-- %s", iface.server, spew.Sdump(resp))
	}

	var callbacks []ResponseCallback
	var key string

	if echo != nil {
		// A reply to one of our own requests: copy the request
		// method and params onto the response.
		resp.Method = echo.method
		resp.Params = echo.params
		key = indexKey(echo.method, echo.params)

		// Client requests are only ever sent to the main session.
		var client *clientRequest
		if iface == n.iface {
			if cr, ok := n.unansweredRequests[echo.id]; ok {
				delete(n.unansweredRequests, echo.id)
				client = cr
			}
		}
		if client != nil {
			callbacks = []ResponseCallback{client.callback}
		} else {
			callbacks = n.subscriptionCallbacks(key)
		}

		// Only once a response to an address subscription arrives is
		// it recorded; this avoids double-sends on reconnection.
		if echo.method == "blockchain.scripthash.subscribe" &&
			len(echo.params) > 0 {

			n.subscribedAddresses[rawToken(echo.params[0])] = struct{}{}
		}
	} else {
		// A server-pushed notification. Rewrite it to the shape of a
		// subscription response before anyone sees it.
		switch resp.Method {
		case "blockchain.headers.subscribe":
			if len(resp.Params) == 0 {
				n.connectionDown(iface.server)
				return
			}
			resp.Result = resp.Params[0]
			resp.Params = nil

		case "blockchain.scripthash.subscribe":
			if len(resp.Params) < 2 {
				n.connectionDown(iface.server)
				return
			}
			resp.Result = resp.Params[1]
			resp.Params = resp.Params[:1]
		}
		key = indexKey(resp.Method, resp.Params)
		callbacks = n.subscriptionCallbacks(key)
	}

	n.handleBuiltin(iface, resp)
	for _, cb := range callbacks {
		cb(resp)
	}

	// Cache after dispatch: a built-in handler may adopt a new main
	// session, which clears the cache.
	if strings.HasSuffix(resp.Method, ".subscribe") {
		n.subCache[key] = resp
	}
}

func (n *Network) subscriptionCallbacks(key string) []ResponseCallback {
	entries := n.subscriptions[key]
	out := make([]ResponseCallback, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.cb)
	}
	return out
}

// handleBuiltin consumes engine-administrative responses. The response is
// still forwarded to client callbacks afterwards. Loop only.
func (n *Network) handleBuiltin(iface *Interface, resp *jsonrpc.Response) {
	serverErr := resp.ServerError()

	switch resp.Method {
	case "server.version":
		iface.serverVersion = resp.Result

	case "blockchain.headers.subscribe":
		if serverErr != nil {
			return
		}
		var header chain.Header
		if err := json.Unmarshal(resp.Result, &header); err != nil {
			log.Warnf("%s sent bad header notification: %v",
				iface.server, err)
			n.connectionDown(iface.server)
			return
		}
		n.onNotifyHeader(iface, &header)

	case "server.peers.subscribe":
		if serverErr != nil {
			return
		}
		var result []interface{}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return
		}
		n.ircServers = ParseServers(result)
		n.notify(EventServers)

	case "server.banner":
		if serverErr != nil {
			return
		}
		var banner string
		if err := json.Unmarshal(resp.Result, &banner); err != nil {
			return
		}
		n.banner = banner
		n.notify(EventBanner)

	case "server.donation_address":
		if serverErr != nil {
			return
		}
		var addr string
		if err := json.Unmarshal(resp.Result, &addr); err != nil {
			return
		}
		n.donationAddress = addr

	case "blockchain.estimatefee":
		if serverErr != nil || len(resp.Params) == 0 {
			return
		}
		var btcPerKB float64
		if err := json.Unmarshal(resp.Result, &btcPerKB); err != nil {
			return
		}
		if btcPerKB <= 0 {
			return
		}
		var target int64
		if err := json.Unmarshal(resp.Params[0], &target); err != nil {
			return
		}
		fee, err := btcutil.NewAmount(btcPerKB)
		if err != nil {
			return
		}
		n.cfg.UpdateFeeEstimates(target, int64(fee))
		log.Debugf("fee_estimates[%d] = %d", target, int64(fee))
		n.notify(EventFee)

	case "blockchain.relayfee":
		if serverErr != nil {
			return
		}
		var btcPerKB float64
		if err := json.Unmarshal(resp.Result, &btcPerKB); err != nil {
			return
		}
		fee, err := btcutil.NewAmount(btcPerKB)
		if err != nil {
			return
		}
		n.relayFee = int64(fee)
		log.Debugf("relayfee = %d", n.relayFee)

	case "blockchain.block.get_chunk":
		n.onGetChunk(iface, resp)

	case "blockchain.block.get_header":
		n.onGetHeader(iface, resp)
	}
}

// sendSubscriptions replays engine and client state onto a freshly
// adopted main session: unanswered requests are reissued under fresh
// ids, the administrative subscriptions are renewed and every subscribed
// scripthash is resubscribed. Loop only.
func (n *Network) sendSubscriptions() {
	log.Infof("sending subscriptions to %s (%d unanswered, %d addresses)",
		n.iface.server, len(n.unansweredRequests),
		len(n.subscribedAddresses))

	n.subCache = make(map[string]*jsonrpc.Response)

	old := n.unansweredRequests
	n.unansweredRequests = make(map[uint64]*clientRequest)
	for _, cr := range old {
		id := n.queueRequest(cr.method, cr.params, nil)
		n.unansweredRequests[id] = cr
	}

	n.queueRequest("server.banner", nil, nil)
	n.queueRequest("server.donation_address", nil, nil)
	n.queueRequest("server.peers.subscribe", nil, nil)
	n.requestFeeEstimates()
	n.queueRequest("blockchain.relayfee", nil, nil)
	if n.iface.PingRequired() {
		params, err := jsonrpc.MarshalParams(
			ClientVersion, ProtocolVersion,
		)
		if err == nil {
			n.queueRequest("server.version", params, nil)
		}
	}
	for scripthash := range n.subscribedAddresses {
		params, err := jsonrpc.MarshalParams(scripthash)
		if err != nil {
			continue
		}
		n.queueRequest("blockchain.scripthash.subscribe", params, nil)
	}
}

// requestFeeEstimates asks the main session for a fresh estimate per
// confirmation target. Loop only.
func (n *Network) requestFeeEstimates() {
	n.cfg.RequestedFeeEstimates()
	for _, target := range config.FeeTargets {
		params, err := jsonrpc.MarshalParams(target)
		if err != nil {
			continue
		}
		n.queueRequest("blockchain.estimatefee", params, nil)
	}
}
