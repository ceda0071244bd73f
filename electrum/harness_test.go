package electrum

import (
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/config"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

const (
	testServerA = "alpha.test:50001:t"
	testServerB = "beta.test:50001:t"
	testServerC = "gamma.test:50001:t"
)

// testBits is an extremely easy compact target so headers mine in a
// couple of nonce increments.
const testBits = 0x207fffff

var testStartTime = time.Unix(1700000000, 0)

// mineTestHeader grinds a nonce until the header satisfies its claimed
// target.
func mineTestHeader(t *testing.T, prev *chain.Header, height int64,
	salt uint32) *chain.Header {

	t.Helper()

	prevHash := chainhash.Hash{}
	var ts uint32 = 1231006505
	if prev != nil {
		h, err := prev.Hash()
		require.NoError(t, err)
		prevHash = *h
		ts = prev.Timestamp + 600
	}
	bh := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prevHash,
		MerkleRoot: chainhash.Hash{byte(height), byte(height >> 8), byte(salt)},
		Timestamp:  time.Unix(int64(ts), 0),
		Bits:       testBits,
	}
	target := blockchain.CompactToBig(testBits)
	for nonce := uint32(salt); ; nonce++ {
		bh.Nonce = nonce
		hash := bh.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			break
		}
	}
	return chain.NewHeader(bh, height)
}

// mineTestChain mines length sequential headers from genesis.
func mineTestChain(t *testing.T, length int, salt uint32) []*chain.Header {
	t.Helper()

	headers := make([]*chain.Header, 0, length)
	var prev *chain.Header
	for h := 0; h < length; h++ {
		header := mineTestHeader(t, prev, int64(h), salt)
		headers = append(headers, header)
		prev = header
	}
	return headers
}

// testNetwork is an engine whose event loop is driven directly by the
// test, with virtual time and piped sessions.
type testNetwork struct {
	t       *testing.T
	n       *Network
	clk     *clock.TestClock
	headers []*chain.Header
}

// newTestNetwork builds an un-started engine over a synthetic chain of
// the given length. The headers are mined but not stored; use seed to
// install a local prefix.
func newTestNetwork(t *testing.T, length int) *testNetwork {
	t.Helper()

	headers := mineTestChain(t, length, 0)

	oldParams := chain.Params
	oldCheckpoints := chain.Checkpoints
	t.Cleanup(func() {
		chain.Params = oldParams
		chain.Checkpoints = oldCheckpoints
	})
	hash, err := headers[0].Hash()
	require.NoError(t, err)
	params := chaincfg.SimNetParams
	params.GenesisHash = hash
	chain.Params = &params
	chain.Checkpoints = nil

	clk := clock.NewTestClock(testStartTime)
	store, err := config.New(t.TempDir(), clk)
	require.NoError(t, err)
	store.SetKey("server", testServerA, false)
	store.SetKey("oneserver", true, false)

	n, err := New(&Config{
		Store:  store,
		Clock:  clk,
		Ticker: ticker.NewForce(maintenanceInterval),
	})
	require.NoError(t, err)
	// The engine is never started, so install a dialer for any
	// connection attempt the maintenance logic makes.
	n.dialer = refusingDialer{}
	t.Cleanup(func() {
		for _, i := range n.interfaces {
			i.Close()
		}
	})

	return &testNetwork{t: t, n: n, clk: clk, headers: headers}
}

// refusingDialer fails every dial so tests never touch the network.
type refusingDialer struct{}

func (refusingDialer) Dial(string, string, time.Duration) (net.Conn, error) {
	return nil, errors.New("dialing disabled in tests")
}

// seed stores the first count mined headers on branch 0.
func (tn *testNetwork) seed(count int) {
	tn.t.Helper()
	b := tn.n.blockchains[0]
	for _, h := range tn.headers[:count] {
		require.True(tn.t, b.CanConnect(h, true), "height %d", h.Height)
		require.NoError(tn.t, b.SaveHeader(h))
	}
}

// addInterface installs a booted session backed by a pipe.
func (tn *testNetwork) addInterface(server string) *Interface {
	tn.t.Helper()
	conn, peer := net.Pipe()
	tn.t.Cleanup(func() { peer.Close() })
	i := newInterface(server, conn, tn.clk)
	tn.n.interfaces[server] = i
	return i
}

// nextQueued pops the next outbound request of a session.
func (tn *testNetwork) nextQueued(i *Interface) *jsonrpc.Request {
	tn.t.Helper()
	select {
	case item := <-i.sendQueue.ChanOut():
		return item.(*jsonrpc.Request)
	case <-time.After(time.Second):
		tn.t.Fatalf("%s: no queued request", i.server)
		return nil
	}
}

// expectHeaderRequest asserts the next queued frame asks for the header
// at the given height.
func (tn *testNetwork) expectHeaderRequest(i *Interface, height int64) {
	tn.t.Helper()
	req := tn.nextQueued(i)
	require.Equal(tn.t, "blockchain.block.get_header", req.Method)
	require.Len(tn.t, req.Params, 1)
	var h int64
	require.NoError(tn.t, json.Unmarshal(req.Params[0], &h))
	require.Equal(tn.t, height, h)
}

// drainQueued empties the session's outbound queue and returns the
// drained requests.
func (tn *testNetwork) drainQueued(i *Interface) []*jsonrpc.Request {
	tn.t.Helper()
	var out []*jsonrpc.Request
	for {
		select {
		case item := <-i.sendQueue.ChanOut():
			out = append(out, item.(*jsonrpc.Request))
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

// assertNoHeaderRequests fails if any get_header or get_chunk frame is
// queued on the session.
func (tn *testNetwork) assertNoHeaderRequests(i *Interface) {
	tn.t.Helper()
	for _, req := range tn.drainQueued(i) {
		require.NotEqual(tn.t, "blockchain.block.get_header", req.Method)
		require.NotEqual(tn.t, "blockchain.block.get_chunk", req.Method)
	}
}

// feedHeader answers the session's outstanding get_header request with
// the given header.
func (tn *testNetwork) feedHeader(i *Interface, h *chain.Header) {
	tn.t.Helper()
	raw, err := json.Marshal(h)
	require.NoError(tn.t, err)
	tn.n.onGetHeader(i, &jsonrpc.Response{
		Method: "blockchain.block.get_header",
		Result: raw,
	})
}

// countUpdated registers an event callback counting updated events.
func (tn *testNetwork) countUpdated() *int {
	count := new(int)
	tn.n.RegisterCallback([]string{EventUpdated},
		func(string, interface{}) { *count++ })
	return count
}
