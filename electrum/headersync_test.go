package electrum

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/electrum/jsonrpc"
	"github.com/stretchr/testify/require"
)

// TestNotifyHeaderFastPath: the advertised tip hashes identically to our
// stored header, so the peer attaches without any search traffic.
func TestNotifyHeaderFastPath(t *testing.T) {
	tn := newTestNetwork(t, 101)
	tn.seed(101)
	i := tn.addInterface(testServerB)
	updated := tn.countUpdated()

	tn.n.onNotifyHeader(i, tn.headers[100])

	require.Equal(t, modeDefault, i.mode)
	require.EqualValues(t, 100, i.tip)
	require.Equal(t, tn.n.blockchains[0], i.blockchain)
	require.Greater(t, *updated, 0)
	tn.assertNoHeaderRequests(i)
}

// TestNotifyHeaderExtendsTip: the advertised tip connects directly to our
// chain and is saved without a search.
func TestNotifyHeaderExtendsTip(t *testing.T) {
	tn := newTestNetwork(t, 101)
	tn.seed(100)
	i := tn.addInterface(testServerB)

	tn.n.onNotifyHeader(i, tn.headers[100])

	require.Equal(t, modeDefault, i.mode)
	require.EqualValues(t, 100, tn.n.blockchains[0].Height())
	require.True(t, tn.n.blockchains[0].CheckHeader(tn.headers[100]))
	tn.assertNoHeaderRequests(i)
}

// TestColdStartCatchUp: with nothing stored, the first peer claims branch
// 0 and streams headers 0..tip in order, releasing leadership at the end.
func TestColdStartCatchUp(t *testing.T) {
	tn := newTestNetwork(t, 4)
	b0 := tn.n.blockchains[0]
	i := tn.addInterface(testServerB)

	tn.n.onNotifyHeader(i, tn.headers[3])

	require.Equal(t, modeCatchUp, i.mode)
	require.Equal(t, testServerB, b0.CatchUp())
	tn.expectHeaderRequest(i, 0)

	for h := 0; h <= 3; h++ {
		tn.feedHeader(i, tn.headers[h])
		if h < 3 {
			require.Equal(t, modeCatchUp, i.mode)
			tn.expectHeaderRequest(i, int64(h+1))
		}
	}

	require.Equal(t, modeDefault, i.mode)
	require.Equal(t, reqNone, i.request.kind)
	require.Equal(t, "", b0.CatchUp())
	require.EqualValues(t, 3, b0.Height())
}

// TestColdStartSecondPeerDoesNotClaim: only one peer may lead branch 0.
func TestColdStartSecondPeerDoesNotClaim(t *testing.T) {
	tn := newTestNetwork(t, 4)
	first := tn.addInterface(testServerB)
	second := tn.addInterface(testServerC)

	tn.n.onNotifyHeader(first, tn.headers[3])
	require.Equal(t, testServerB, tn.n.blockchains[0].CatchUp())

	tn.n.onNotifyHeader(second, tn.headers[3])
	require.Equal(t, modeDefault, second.mode)
	require.Equal(t, testServerB, tn.n.blockchains[0].CatchUp())
	tn.assertNoHeaderRequests(second)
}

// TestReorgBinarySearch walks the full backward → binary → catch_up
// sequence for a peer on a chain that diverged at height 198.
func TestReorgBinarySearch(t *testing.T) {
	tn := newTestNetwork(t, 211)
	tn.seed(201)
	b0 := tn.n.blockchains[0]

	// The peer's chain shares headers through 197 and diverges after.
	alt := make(map[int64]*chain.Header)
	prev := tn.headers[197]
	for h := int64(198); h <= 210; h++ {
		alt[h] = mineTestHeader(t, prev, h, 77)
		prev = alt[h]
	}

	i := tn.addInterface(testServerB)
	tn.n.onNotifyHeader(i, alt[210])

	require.Equal(t, modeBackward, i.mode)
	require.EqualValues(t, 210, i.bad)
	tn.expectHeaderRequest(i, 201)

	// Backward: 201 diverges, widen to max(cp, 210-2*9) = 192.
	tn.feedHeader(i, alt[201])
	require.Equal(t, modeBackward, i.mode)
	require.EqualValues(t, 201, i.bad)
	tn.expectHeaderRequest(i, 192)

	// 192 matches: binary search begins over (192, 201].
	tn.feedHeader(i, tn.headers[192])
	require.Equal(t, modeBinary, i.mode)
	require.EqualValues(t, 192, i.good)

	// Each binary step keeps good < bad and strictly shrinks the
	// interval.
	steps := []struct {
		request int64
		header  *chain.Header
	}{
		{196, tn.headers[196]},
		{198, alt[198]},
		{197, tn.headers[197]},
	}
	span := i.bad - i.good
	for _, step := range steps {
		tn.expectHeaderRequest(i, step.request)
		tn.feedHeader(i, step.header)
		require.Less(t, i.good, i.bad)
		require.Less(t, i.bad-i.good, span)
		span = i.bad - i.good
	}

	// Split point found at 198: a fork is registered and the peer
	// leads it through catch-up.
	require.Equal(t, modeCatchUp, i.mode)
	branch := tn.n.blockchains[198]
	require.NotNil(t, branch)
	require.Equal(t, branch, i.blockchain)
	require.Equal(t, testServerB, branch.CatchUp())
	require.True(t, branch.CheckHeader(alt[198]))

	for h := int64(199); h <= 210; h++ {
		tn.expectHeaderRequest(i, h)
		tn.feedHeader(i, alt[h])
	}

	require.Equal(t, modeDefault, i.mode)
	require.Equal(t, "", branch.CatchUp())
	require.EqualValues(t, 210, branch.Height())
	require.EqualValues(t, 200, b0.Height())
	require.Len(t, tn.n.blockchains, 2)

	// The parent chain is untouched above the fork point.
	require.True(t, b0.CheckHeader(tn.headers[200]))
	require.True(t, branch.CheckHeader(alt[210]))
	require.True(t, chain.SameHeader(branch.ReadHeader(150), tn.headers[150]))
}

// TestSecondPeerJoinsExistingBranch: a second peer on the same fork
// joins the registered branch instead of forking again.
func TestSecondPeerJoinsExistingBranch(t *testing.T) {
	tn := newTestNetwork(t, 211)
	tn.seed(201)

	alt := make(map[int64]*chain.Header)
	prev := tn.headers[197]
	for h := int64(198); h <= 210; h++ {
		alt[h] = mineTestHeader(t, prev, h, 77)
		prev = alt[h]
	}

	// First peer forks and fully catches up.
	first := tn.addInterface(testServerB)
	tn.n.onNotifyHeader(first, alt[210])
	tn.feedHeader(first, alt[201])
	tn.feedHeader(first, tn.headers[192])
	tn.feedHeader(first, tn.headers[196])
	tn.feedHeader(first, alt[198])
	tn.feedHeader(first, tn.headers[197])
	for h := int64(199); h <= 210; h++ {
		tn.feedHeader(first, alt[h])
	}
	branch := tn.n.blockchains[198]
	require.NotNil(t, branch)

	// Second peer advertises the same tip: it matches the branch
	// directly on the fast path.
	second := tn.addInterface(testServerC)
	tn.n.onNotifyHeader(second, alt[210])
	require.Equal(t, modeDefault, second.mode)
	require.Equal(t, branch, second.blockchain)
}

// TestUnsolicitedHeaderDownsPeer: a header we never asked for is a
// protocol violation.
func TestUnsolicitedHeaderDownsPeer(t *testing.T) {
	tn := newTestNetwork(t, 5)
	tn.seed(5)
	i := tn.addInterface(testServerB)

	i.mode = modeCatchUp
	i.blockchain = tn.n.blockchains[0]
	tn.feedHeader(i, tn.headers[2])

	require.NotContains(t, tn.n.interfaces, testServerB)
	require.Contains(t, tn.n.disconnectedServers, testServerB)
}

// TestTipBelowCheckpointDownsPeer: a peer whose tip is under the trust
// anchor can never be useful.
func TestTipBelowCheckpointDownsPeer(t *testing.T) {
	tn := newTestNetwork(t, 5)
	chain.Checkpoints = []string{"00"}
	i := tn.addInterface(testServerB)

	tn.n.onNotifyHeader(i, tn.headers[4])

	require.NotContains(t, tn.n.interfaces, testServerB)
	require.Contains(t, tn.n.disconnectedServers, testServerB)
}

// TestCatchUpChunks: far enough behind the tip the synchronizer switches
// to whole-window requests.
func TestCatchUpChunks(t *testing.T) {
	tn := newTestNetwork(t, 61)
	b0 := tn.n.blockchains[0]
	i := tn.addInterface(testServerB)

	tn.n.onNotifyHeader(i, tn.headers[60])
	tn.expectHeaderRequest(i, 0)

	// After genesis lands, 60 - 1 > 50 switches to chunk mode.
	tn.feedHeader(i, tn.headers[0])
	req := tn.nextQueued(i)
	require.Equal(t, "blockchain.block.get_chunk", req.Method)
	var idx int64
	require.NoError(t, json.Unmarshal(req.Params[0], &idx))
	require.EqualValues(t, 0, idx)
	require.Contains(t, tn.n.requestedChunks, int64(0))

	var raw []byte
	for _, h := range tn.headers {
		enc, err := h.Serialize()
		require.NoError(t, err)
		raw = append(raw, enc...)
	}
	result, err := json.Marshal(hex.EncodeToString(raw))
	require.NoError(t, err)
	params, err := jsonrpc.MarshalParams(0)
	require.NoError(t, err)
	tn.n.onGetChunk(i, &jsonrpc.Response{
		Method: "blockchain.block.get_chunk",
		Params: params,
		Result: result,
	})

	require.EqualValues(t, 60, b0.Height())
	require.Equal(t, modeDefault, i.mode)
	require.Equal(t, reqNone, i.request.kind)
	require.Equal(t, "", b0.CatchUp())
	require.NotContains(t, tn.n.requestedChunks, int64(0))
}

// TestChunkFailureDownsPeer: a chunk that fails to connect terminates
// the session.
func TestChunkFailureDownsPeer(t *testing.T) {
	tn := newTestNetwork(t, 61)
	i := tn.addInterface(testServerB)

	tn.n.onNotifyHeader(i, tn.headers[60])
	tn.feedHeader(i, tn.headers[0])
	tn.drainQueued(i)

	result, err := json.Marshal("deadbeef")
	require.NoError(t, err)
	params, err := jsonrpc.MarshalParams(0)
	require.NoError(t, err)
	tn.n.onGetChunk(i, &jsonrpc.Response{
		Method: "blockchain.block.get_chunk",
		Params: params,
		Result: result,
	})

	require.NotContains(t, tn.n.interfaces, testServerB)
	require.Equal(t, "", tn.n.blockchains[0].CatchUp())
}

// TestUnsolicitedChunkIgnored: chunks we never asked for are dropped
// without touching the chain.
func TestUnsolicitedChunkIgnored(t *testing.T) {
	tn := newTestNetwork(t, 5)
	tn.seed(5)
	i := tn.addInterface(testServerB)

	result, err := json.Marshal("00")
	require.NoError(t, err)
	params, err := jsonrpc.MarshalParams(3)
	require.NoError(t, err)
	tn.n.onGetChunk(i, &jsonrpc.Response{
		Method: "blockchain.block.get_chunk",
		Params: params,
		Result: result,
	})

	require.Contains(t, tn.n.interfaces, testServerB)
	require.EqualValues(t, 4, tn.n.blockchains[0].Height())
}

// TestCatchUpBacktrack: a header that stops connecting mid catch-up sends
// the peer back into backward search.
func TestCatchUpBacktrack(t *testing.T) {
	tn := newTestNetwork(t, 6)
	tn.seed(3)
	i := tn.addInterface(testServerB)
	b0 := tn.n.blockchains[0]

	i.mode = modeCatchUp
	i.blockchain = b0
	i.tip = 5
	b0.SetCatchUp(testServerB)
	tn.n.requestHeader(i, 3)
	tn.expectHeaderRequest(i, 3)

	// A header at 3 from an alien chain cannot connect.
	stranger := mineTestHeader(t, mineTestHeader(t, nil, 2, 9), 3, 9)
	tn.feedHeader(i, stranger)

	require.Equal(t, modeBackward, i.mode)
	require.EqualValues(t, 3, i.bad)
	tn.expectHeaderRequest(i, 2)
}
