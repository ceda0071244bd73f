// Package chain maintains the set of locally stored header branches. Each
// branch is a contiguous run of block headers rooted at a checkpoint
// height, backed by a flat file of 80-byte serialized headers. Divergent
// branches discovered during synchronization are stored as fork files and
// read through to their parent below their checkpoint.
package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// headersFileName is the file backing branch 0.
	headersFileName = "blockchain_headers"

	// forksDirName holds one file per divergent branch, named
	// fork_<checkpoint>.
	forksDirName = "forks"

	// headerCacheSize is the number of recently read headers kept in
	// memory per branch.
	headerCacheSize = 2048
)

// cacheableHeader wraps a header so it can live in the LRU cache.
type cacheableHeader struct {
	header *Header
}

// Size implements cache.Value with a unit cost so the cache capacity is a
// plain entry count.
func (c *cacheableHeader) Size() (uint64, error) {
	return 1, nil
}

// Blockchain is a single branch of headers. All mutating calls are
// serialized by the engine's event loop; the internal mutex additionally
// guards file access against concurrent readers.
type Blockchain struct {
	checkpoint int64
	parent     *Blockchain
	dataDir    string
	path       string

	mtx     sync.Mutex
	size    int64
	catchUp string
	cache   *lru.Cache[int64, *cacheableHeader]
}

func newBlockchain(dataDir, path string, checkpoint int64,
	parent *Blockchain) (*Blockchain, error) {

	b := &Blockchain{
		checkpoint: checkpoint,
		parent:     parent,
		dataDir:    dataDir,
		path:       path,
		cache:      lru.NewCache[int64, *cacheableHeader](headerCacheSize),
	}
	if err := b.updateSize(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Blockchain) updateSize() error {
	fi, err := os.Stat(b.path)
	switch {
	case os.IsNotExist(err):
		b.size = 0
		return nil
	case err != nil:
		return err
	}
	b.size = fi.Size() / HeaderSize
	return nil
}

// Checkpoint returns the height of the first header belonging to this
// branch.
func (b *Blockchain) Checkpoint() int64 {
	return b.checkpoint
}

// Parent returns the branch this one forked from, or nil for branch 0.
func (b *Blockchain) Parent() *Blockchain {
	return b.parent
}

// Path returns the location of the branch's header file.
func (b *Blockchain) Path() string {
	return b.path
}

// Height returns the height of the branch tip, which is negative only for
// an empty branch 0.
func (b *Blockchain) Height() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.checkpoint + b.size - 1
}

// CatchUp returns the descriptor of the peer currently extending the
// branch, or the empty string when the slot is free.
func (b *Blockchain) CatchUp() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.catchUp
}

// SetCatchUp claims or releases the branch's single-writer slot.
func (b *Blockchain) SetCatchUp(server string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.catchUp = server
}

// ReadHeader returns the stored header at the given height, following the
// parent chain below the branch checkpoint. It returns nil if no header
// is stored there.
func (b *Blockchain) ReadHeader(height int64) *Header {
	if height < b.checkpoint && b.parent != nil {
		return b.parent.ReadHeader(height)
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.readHeader(height)
}

func (b *Blockchain) readHeader(height int64) *Header {
	if height < b.checkpoint || height >= b.checkpoint+b.size {
		return nil
	}
	if cached, err := b.cache.Get(height); err == nil {
		return cached.header
	}

	f, err := os.Open(b.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	raw := make([]byte, HeaderSize)
	offset := (height - b.checkpoint) * HeaderSize
	if _, err := f.ReadAt(raw, offset); err != nil {
		return nil
	}

	// The headers file is preallocated out to the checkpointed region;
	// an all-zero slot means the header has not arrived yet.
	empty := true
	for _, c := range raw {
		if c != 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil
	}

	header, err := DeserializeHeader(raw, height)
	if err != nil {
		return nil
	}
	_, _ = b.cache.Put(height, &cacheableHeader{header: header})
	return header
}

// CheckHeader reports whether the stored header at the candidate's height
// hashes identically to it.
func (b *Blockchain) CheckHeader(h *Header) bool {
	if h == nil {
		return false
	}
	return SameHeader(h, b.ReadHeader(h.Height))
}

// CanConnect reports whether the header extends this branch. With
// checkHeight set it must sit exactly one above the branch tip; without,
// only linkage and proof of work against the stored predecessor are
// required (used to probe the binary search endpoint).
func (b *Blockchain) CanConnect(h *Header, checkHeight bool) bool {
	if h == nil {
		return false
	}
	if checkHeight && h.Height != b.Height()+1 {
		return false
	}
	if h.Height == 0 {
		hash, err := h.Hash()
		if err != nil {
			return false
		}
		return hash.IsEqual(Params.GenesisHash)
	}
	prev := b.ReadHeader(h.Height - 1)
	if prev == nil {
		return false
	}
	return b.verifyHeader(h, prev) == nil
}

// verifyHeader checks linkage against prev, the proof of work against the
// claimed bits, and the bits themselves where the retarget window is
// locally available.
func (b *Blockchain) verifyHeader(h, prev *Header) error {
	prevHash, err := prev.Hash()
	if err != nil {
		return err
	}
	if h.PrevBlock != prevHash.String() {
		return fmt.Errorf("height %d does not link to %s",
			h.Height, prevHash)
	}

	if h.Height%ChunkSize != 0 {
		if h.Bits != prev.Bits {
			return fmt.Errorf("height %d changed bits inside "+
				"retarget window", h.Height)
		}
	} else if want := b.retargetBits(h.Height); want != 0 && h.Bits != want {
		return fmt.Errorf("height %d has bits %08x, want %08x",
			h.Height, h.Bits, want)
	}

	return checkProofOfWork(h)
}

// checkProofOfWork verifies the header hash against its claimed target.
func checkProofOfWork(h *Header) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(Params.PowLimit) > 0 {
		return fmt.Errorf("height %d has invalid target %08x",
			h.Height, h.Bits)
	}
	hash, err := h.Hash()
	if err != nil {
		return err
	}
	if blockchain.HashToBig(hash).Cmp(target) > 0 {
		return fmt.Errorf("height %d hash %s above target",
			h.Height, hash)
	}
	return nil
}

// retargetBits computes the expected compact target for the first block
// of a retarget window. It returns 0 when the previous window is not
// fully stored and the check must be skipped.
func (b *Blockchain) retargetBits(height int64) uint32 {
	first := b.ReadHeader(height - ChunkSize)
	last := b.ReadHeader(height - 1)
	if first == nil || last == nil {
		return 0
	}

	targetTimespan := int64(Params.TargetTimespan / time.Second)
	actual := int64(last.Timestamp) - int64(first.Timestamp)
	if actual < targetTimespan/4 {
		actual = targetTimespan / 4
	}
	if actual > targetTimespan*4 {
		actual = targetTimespan * 4
	}

	newTarget := new(big.Int).Mul(
		blockchain.CompactToBig(last.Bits), big.NewInt(actual),
	)
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(Params.PowLimit) > 0 {
		newTarget.Set(Params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget)
}

// SaveHeader appends a header that was already vetted with CanConnect.
func (b *Blockchain) SaveHeader(h *Header) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	delta := h.Height - b.checkpoint
	if delta < 0 || delta > b.size {
		return fmt.Errorf("save_header at %d outside branch end %d",
			h.Height, b.checkpoint+b.size)
	}
	raw, err := h.Serialize()
	if err != nil {
		return err
	}
	if err := b.writeAt(raw, delta*HeaderSize); err != nil {
		return err
	}
	if delta == b.size {
		b.size++
	}
	_, _ = b.cache.Put(h.Height, &cacheableHeader{header: h})
	return nil
}

func (b *Blockchain) writeAt(data []byte, offset int64) error {
	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// Truncate drops every header of the branch, leaving an empty file. Used
// when a conflicting fork is about to be rebuilt in place.
func (b *Blockchain) Truncate() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err := os.Truncate(b.path, 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	b.size = 0
	b.cache = lru.NewCache[int64, *cacheableHeader](headerCacheSize)
	return nil
}

// ConnectChunk verifies and stores a full retarget window of raw headers
// delivered as a hex string. The window must lie inside the branch.
func (b *Blockchain) ConnectChunk(idx int64, hexData string) error {
	data, err := hex.DecodeString(hexData)
	if err != nil {
		return fmt.Errorf("chunk %d: %v", idx, err)
	}
	if len(data) == 0 || len(data)%HeaderSize != 0 {
		return fmt.Errorf("chunk %d has bad length %d", idx, len(data))
	}
	start := idx * ChunkSize
	if start < b.checkpoint {
		return fmt.Errorf("chunk %d starts below branch checkpoint %d",
			idx, b.checkpoint)
	}

	count := int64(len(data)) / HeaderSize
	prev := b.ReadHeader(start - 1)
	for i := int64(0); i < count; i++ {
		header, err := DeserializeHeader(
			data[i*HeaderSize:(i+1)*HeaderSize], start+i,
		)
		if err != nil {
			return fmt.Errorf("chunk %d header %d: %v", idx, i, err)
		}
		if header.Height == 0 {
			hash, err := header.Hash()
			if err != nil {
				return err
			}
			if !hash.IsEqual(Params.GenesisHash) {
				return fmt.Errorf("chunk %d has wrong genesis", idx)
			}
		} else if prev != nil {
			if err := b.verifyHeader(header, prev); err != nil {
				return fmt.Errorf("chunk %d: %v", idx, err)
			}
		}
		prev = header
	}

	// Pin the window against the hard-coded trust anchors.
	if idx < int64(len(Checkpoints)) && count == ChunkSize {
		hash, err := prev.Hash()
		if err != nil {
			return err
		}
		if hash.String() != Checkpoints[idx] {
			return fmt.Errorf("chunk %d fails checkpoint %s", idx,
				Checkpoints[idx])
		}
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if err := b.writeAt(data, (start-b.checkpoint)*HeaderSize); err != nil {
		return err
	}
	if end := start + count - b.checkpoint; end > b.size {
		b.size = end
	}
	log.Debugf("connected chunk %d (%d headers)", idx, count)
	return nil
}

// Fork creates and registers on disk a new branch rooted at the given
// header, which becomes its first entry.
func (b *Blockchain) Fork(h *Header) (*Blockchain, error) {
	forksDir := filepath.Join(b.dataDir, forksDirName)
	if err := os.MkdirAll(forksDir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(forksDir, fmt.Sprintf("fork_%d", h.Height))
	if err := os.WriteFile(path, nil, 0600); err != nil {
		return nil, err
	}
	branch, err := newBlockchain(b.dataDir, path, h.Height, b)
	if err != nil {
		return nil, err
	}
	if err := branch.SaveHeader(h); err != nil {
		return nil, err
	}
	log.Infof("forked new branch at height %d", h.Height)
	return branch, nil
}

// GetCheckpoints derives the checkpoint list (hash of the last header of
// every complete retarget window) from the stored chain.
func (b *Blockchain) GetCheckpoints() ([]string, error) {
	var cp []string
	height := b.Height()
	for n := int64(0); (n+1)*ChunkSize-1 <= height; n++ {
		h := b.ReadHeader((n+1)*ChunkSize - 1)
		if h == nil {
			return nil, fmt.Errorf("missing header in window %d", n)
		}
		hash, err := h.Hash()
		if err != nil {
			return nil, err
		}
		cp = append(cp, hash.String())
	}
	return cp, nil
}

// ReadBlockchains loads branch 0 and any fork branches below dataDir,
// preallocating the main headers file out to the checkpointed region on
// first use.
func ReadBlockchains(dataDir string) (map[int64]*Blockchain, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	mainPath := filepath.Join(dataDir, headersFileName)
	if err := preallocate(mainPath); err != nil {
		return nil, err
	}
	root, err := newBlockchain(dataDir, mainPath, 0, nil)
	if err != nil {
		return nil, err
	}
	chains := map[int64]*Blockchain{0: root}

	forksDir := filepath.Join(dataDir, forksDirName)
	entries, err := os.ReadDir(forksDir)
	if os.IsNotExist(err) {
		return chains, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "fork_") {
			continue
		}
		checkpoint, err := strconv.ParseInt(
			strings.TrimPrefix(name, "fork_"), 10, 64,
		)
		if err != nil {
			log.Warnf("skipping unparseable fork file %s", name)
			continue
		}
		branch, err := newBlockchain(
			dataDir, filepath.Join(forksDir, name), checkpoint, root,
		)
		if err != nil {
			return nil, err
		}
		chains[checkpoint] = branch
	}
	return chains, nil
}

// preallocate sizes the main headers file to cover every checkpointed
// window so chunk writes below the anchor land inside the file.
func preallocate(path string) error {
	length := int64(HeaderSize * len(Checkpoints) * ChunkSize)
	fi, err := os.Stat(path)
	if err == nil && fi.Size() >= length {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if length > 0 {
		if err := f.Truncate(length); err != nil {
			return err
		}
	}
	return nil
}
