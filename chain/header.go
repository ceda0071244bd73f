package chain

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the length of a serialized block header on disk and in
// chunks.
const HeaderSize = 80

// Header is the deserialized form of a block header as exchanged with
// Electrum servers. Hashes are hex encoded in RPC byte order.
type Header struct {
	Version    int32  `json:"version"`
	PrevBlock  string `json:"prev_block_hash"`
	MerkleRoot string `json:"merkle_root"`
	Timestamp  uint32 `json:"timestamp"`
	Bits       uint32 `json:"bits"`
	Nonce      uint32 `json:"nonce"`
	Height     int64  `json:"block_height"`
}

// BlockHeader converts the header into its wire representation.
func (h *Header) BlockHeader() (*wire.BlockHeader, error) {
	prev, err := chainhash.NewHashFromStr(h.PrevBlock)
	if err != nil {
		return nil, fmt.Errorf("bad prev_block_hash: %v", err)
	}
	merkle, err := chainhash.NewHashFromStr(h.MerkleRoot)
	if err != nil {
		return nil, fmt.Errorf("bad merkle_root: %v", err)
	}
	return &wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  *prev,
		MerkleRoot: *merkle,
		Timestamp:  time.Unix(int64(h.Timestamp), 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}, nil
}

// NewHeader builds the deserialized form of a wire header at the given
// height.
func NewHeader(bh *wire.BlockHeader, height int64) *Header {
	return &Header{
		Version:    bh.Version,
		PrevBlock:  bh.PrevBlock.String(),
		MerkleRoot: bh.MerkleRoot.String(),
		Timestamp:  uint32(bh.Timestamp.Unix()),
		Bits:       bh.Bits,
		Nonce:      bh.Nonce,
		Height:     height,
	}
}

// Hash returns the double-sha256 hash of the header.
func (h *Header) Hash() (*chainhash.Hash, error) {
	bh, err := h.BlockHeader()
	if err != nil {
		return nil, err
	}
	hash := bh.BlockHash()
	return &hash, nil
}

// Serialize returns the 80-byte wire encoding of the header.
func (h *Header) Serialize() ([]byte, error) {
	bh, err := h.BlockHeader()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := bh.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeHeader decodes an 80-byte wire encoding produced by
// Serialize.
func DeserializeHeader(raw []byte, height int64) (*Header, error) {
	var bh wire.BlockHeader
	if err := bh.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return NewHeader(&bh, height), nil
}

// SameHeader reports whether the two headers hash identically. A nil on
// either side is never equal.
func SameHeader(a, b *Header) bool {
	if a == nil || b == nil {
		return false
	}
	ah, err := a.Hash()
	if err != nil {
		return false
	}
	bh, err := b.Hash()
	if err != nil {
		return false
	}
	return ah.IsEqual(bh)
}
