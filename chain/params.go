package chain

import "github.com/btcsuite/btcd/chaincfg"

// ChunkSize is the number of headers in a retargeting window, which is
// also the batch size used by blockchain.block.get_chunk.
const ChunkSize = 2016

// Checkpoints pins the hash of the last block of each complete
// retargeting window below the trust anchor. A peer advertising a tip
// below the anchor is useless and is disconnected. The list is empty for
// a from-genesis sync.
var Checkpoints []string

// Params holds the chain parameters used for genesis and proof-of-work
// verification.
var Params = &chaincfg.MainNetParams

// MaxCheckpoint returns the height of the highest checkpointed block, or
// 0 when no checkpoints are configured.
func MaxCheckpoint() int64 {
	m := int64(len(Checkpoints))*ChunkSize - 1
	if m < 0 {
		return 0
	}
	return m
}
