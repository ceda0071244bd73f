package chain

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// testBits is an extremely easy compact target so headers mine in a
// couple of nonce increments.
const testBits = 0x207fffff

// mineHeader grinds a nonce until the header satisfies its own claimed
// target.
func mineHeader(t *testing.T, prev *Header, height int64, salt uint32) *Header {
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
		MerkleRoot: chainhash.Hash{byte(height), byte(salt)},
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
	return NewHeader(bh, height)
}

// mineChain mines length sequential headers starting at genesis.
func mineChain(t *testing.T, length int, salt uint32) []*Header {
	t.Helper()

	headers := make([]*Header, 0, length)
	var prev *Header
	for h := 0; h < length; h++ {
		header := mineHeader(t, prev, int64(h), salt)
		headers = append(headers, header)
		prev = header
	}
	return headers
}

// setTestParams points the package at a synthetic network whose genesis
// is the first mined header. Restored on test cleanup.
func setTestParams(t *testing.T, genesis *Header) {
	t.Helper()

	oldParams := Params
	oldCheckpoints := Checkpoints
	t.Cleanup(func() {
		Params = oldParams
		Checkpoints = oldCheckpoints
	})

	hash, err := genesis.Hash()
	require.NoError(t, err)
	params := chaincfg.SimNetParams
	params.GenesisHash = hash
	Params = &params
	Checkpoints = nil
}

// newTestChain mines a chain of the given length and stores it in a
// fresh branch 0.
func newTestChain(t *testing.T, length int) (*Blockchain, []*Header) {
	t.Helper()

	headers := mineChain(t, length, 0)
	setTestParams(t, headers[0])

	chains, err := ReadBlockchains(t.TempDir())
	require.NoError(t, err)
	b := chains[0]
	require.EqualValues(t, -1, b.Height())

	for _, h := range headers {
		require.True(t, b.CanConnect(h, true), "height %d", h.Height)
		require.NoError(t, b.SaveHeader(h))
	}
	return b, headers
}

func TestHeaderRoundTrip(t *testing.T) {
	headers := mineChain(t, 2, 7)
	raw, err := headers[1].Serialize()
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize)

	back, err := DeserializeHeader(raw, headers[1].Height)
	require.NoError(t, err)
	require.Equal(t, headers[1], back)
	require.True(t, SameHeader(headers[1], back))
	require.False(t, SameHeader(headers[0], back))
}

func TestSaveAndReadHeader(t *testing.T) {
	b, headers := newTestChain(t, 5)

	require.EqualValues(t, 4, b.Height())
	for _, h := range headers {
		stored := b.ReadHeader(h.Height)
		require.NotNil(t, stored)
		require.True(t, SameHeader(h, stored))
		require.True(t, b.CheckHeader(h))
	}
	require.Nil(t, b.ReadHeader(5))
	require.Nil(t, b.ReadHeader(-1))
}

func TestCanConnect(t *testing.T) {
	b, headers := newTestChain(t, 4)

	next := mineHeader(t, headers[3], 4, 0)
	require.True(t, b.CanConnect(next, true))

	// Wrong height is rejected unless the height check is waived.
	skip := mineHeader(t, headers[3], 9, 0)
	require.False(t, b.CanConnect(skip, true))

	// A header not linking to its predecessor never connects.
	orphan := mineHeader(t, headers[1], 4, 3)
	require.False(t, b.CanConnect(orphan, true))

	// Height-check-free probing works anywhere inside the branch.
	probe := mineHeader(t, headers[1], 2, 9)
	require.True(t, b.CanConnect(probe, false))
}

func TestSaveHeaderOutOfOrder(t *testing.T) {
	b, headers := newTestChain(t, 3)

	gap := mineHeader(t, headers[2], 7, 0)
	require.Error(t, b.SaveHeader(gap))
}

func TestFork(t *testing.T) {
	b, headers := newTestChain(t, 6)

	alt3 := mineHeader(t, headers[2], 3, 42)
	branch, err := b.Fork(alt3)
	require.NoError(t, err)

	require.EqualValues(t, 3, branch.Checkpoint())
	require.EqualValues(t, 3, branch.Height())
	require.Equal(t, b, branch.Parent())
	require.True(t, branch.CheckHeader(alt3))
	require.False(t, branch.CheckHeader(headers[3]))

	// Heights below the fork point read through to the parent.
	stored := branch.ReadHeader(1)
	require.NotNil(t, stored)
	require.True(t, SameHeader(headers[1], stored))

	// The fork extends independently of the parent.
	alt4 := mineHeader(t, alt3, 4, 42)
	require.True(t, branch.CanConnect(alt4, true))
	require.NoError(t, branch.SaveHeader(alt4))
	require.EqualValues(t, 4, branch.Height())
	require.EqualValues(t, 5, b.Height())

	// And survives a registry reload.
	chains, err := ReadBlockchains(b.dataDir)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	reloaded := chains[3]
	require.NotNil(t, reloaded)
	require.EqualValues(t, 4, reloaded.Height())
	require.True(t, reloaded.CheckHeader(alt4))
}

func TestTruncate(t *testing.T) {
	b, headers := newTestChain(t, 4)

	alt2 := mineHeader(t, headers[1], 2, 99)
	branch, err := b.Fork(alt2)
	require.NoError(t, err)

	require.NoError(t, branch.Truncate())
	require.EqualValues(t, 1, branch.Height())
	require.Nil(t, branch.readHeader(2))

	// A truncated branch restarts from a new first header.
	require.NoError(t, branch.SaveHeader(alt2))
	require.EqualValues(t, 2, branch.Height())
}

func TestCatchUpSlot(t *testing.T) {
	b, _ := newTestChain(t, 2)

	require.Equal(t, "", b.CatchUp())
	b.SetCatchUp("host:50002:s")
	require.Equal(t, "host:50002:s", b.CatchUp())
	b.SetCatchUp("")
	require.Equal(t, "", b.CatchUp())
}

func TestConnectChunk(t *testing.T) {
	headers := mineChain(t, 8, 0)
	setTestParams(t, headers[0])

	chains, err := ReadBlockchains(t.TempDir())
	require.NoError(t, err)
	b := chains[0]

	var raw []byte
	for _, h := range headers {
		enc, err := h.Serialize()
		require.NoError(t, err)
		raw = append(raw, enc...)
	}
	require.NoError(t, b.ConnectChunk(0, hex.EncodeToString(raw)))
	require.EqualValues(t, 7, b.Height())
	require.True(t, b.CheckHeader(headers[7]))

	// Garbage hex is rejected.
	require.Error(t, b.ConnectChunk(1, "zz"))

	// A chunk that does not link onto the stored chain is rejected.
	bad := mineChain(t, 3, 5)
	var badRaw []byte
	for _, h := range bad {
		enc, err := h.Serialize()
		require.NoError(t, err)
		badRaw = append(badRaw, enc...)
	}
	require.Error(t, b.ConnectChunk(0, hex.EncodeToString(badRaw[HeaderSize:])))
}

func TestGetCheckpoints(t *testing.T) {
	b, _ := newTestChain(t, 3)

	// No complete retarget window stored yet.
	cp, err := b.GetCheckpoints()
	require.NoError(t, err)
	require.Empty(t, cp)
}

func TestPreallocation(t *testing.T) {
	headers := mineChain(t, 1, 0)
	setTestParams(t, headers[0])
	Checkpoints = []string{"00"}

	dir := t.TempDir()
	chains, err := ReadBlockchains(dir)
	require.NoError(t, err)
	b := chains[0]

	// The file covers the whole checkpointed region, so the branch
	// height reflects it, while unwritten slots read as missing.
	require.EqualValues(t, ChunkSize-1, b.Height())
	require.Nil(t, b.ReadHeader(100))
	require.EqualValues(t, ChunkSize-1, MaxCheckpoint())
}
