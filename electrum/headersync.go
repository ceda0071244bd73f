package electrum

import (
	"encoding/json"

	"github.com/aghamir/electrum/chain"
	"github.com/aghamir/electrum/electrum/jsonrpc"
)

// noHeight marks the absence of a next request in the synchronizer.
const noHeight = int64(-1)

// requestHeader asks the session for the single header at height and
// records it as the outstanding request.
func (n *Network) requestHeader(i *Interface, height int64) {
	params, err := jsonrpc.MarshalParams(height)
	if err != nil {
		return
	}
	n.queueRequest("blockchain.block.get_header", params, i)
	i.request = syncRequest{kind: reqHeader, value: height}
	i.reqTime = n.clock.Now()
}

// requestChunk asks the session for the whole retarget window idx and
// records it as the outstanding request.
func (n *Network) requestChunk(i *Interface, idx int64) {
	log.Debugf("%s: requesting chunk %d", i.server, idx)
	params, err := jsonrpc.MarshalParams(idx)
	if err != nil {
		return
	}
	n.queueRequest("blockchain.block.get_chunk", params, i)
	n.requestedChunks[idx] = struct{}{}
	i.request = syncRequest{kind: reqChunk, value: idx}
	i.reqTime = n.clock.Now()
}

// checkHeaderAll returns the first branch whose stored header at the
// candidate's height matches it, or nil.
func (n *Network) checkHeaderAll(h *chain.Header) *chain.Blockchain {
	for _, b := range n.blockchains {
		if b.CheckHeader(h) {
			return b
		}
	}
	return nil
}

// canConnectAll returns the first branch the candidate directly extends,
// or nil.
func (n *Network) canConnectAll(h *chain.Header) *chain.Blockchain {
	for _, b := range n.blockchains {
		if b.CanConnect(h, true) {
			return b
		}
	}
	return nil
}

// onNotifyHeader handles a header announcement from the subscribed
// stream: either the tip attaches to a known branch, or the peer enters
// the header-discovery search. Loop only.
func (n *Network) onNotifyHeader(i *Interface, header *chain.Header) {
	height := header.Height
	if height < chain.MaxCheckpoint() {
		// The peer is behind our trust anchor and can never be
		// useful.
		n.connectionDown(i.server)
		return
	}
	i.tipHeader = header
	i.tip = height
	if i.mode != modeDefault {
		// Already searching; the recorded tip is enough.
		return
	}

	if b := n.checkHeaderAll(header); b != nil {
		i.blockchain = b
		n.switchLaggingInterface()
		n.notify(EventUpdated)
		n.notify(EventInterfaces)
		return
	}
	if b := n.canConnectAll(header); b != nil {
		i.blockchain = b
		if err := b.SaveHeader(header); err != nil {
			log.Errorf("save_header at tip %d: %v", height, err)
			n.connectionDown(i.server)
			return
		}
		n.switchLaggingInterface()
		n.notify(EventUpdated)
		n.notify(EventInterfaces)
		return
	}

	// The advertised tip belongs to no known branch: search for the
	// common ancestor.
	tip := int64(-1)
	for _, b := range n.blockchains {
		if h := b.Height(); h > tip {
			tip = h
		}
	}
	if tip >= 0 {
		next := tip + 1
		if height-1 < next {
			next = height - 1
		}
		if next < 0 {
			n.connectionDown(i.server)
			return
		}
		i.mode = modeBackward
		i.bad = height
		i.badHeader = header
		n.requestHeader(i, next)
		return
	}

	// Cold start: nothing stored at all. Stream from genesis if branch
	// 0 is leaderless.
	b := n.blockchains[0]
	if b.CatchUp() == "" {
		b.SetCatchUp(i.server)
		i.mode = modeCatchUp
		i.blockchain = b
		n.requestHeader(i, 0)
	}
}

// onGetHeader advances the per-peer search state machine with a received
// header. Loop only.
func (n *Network) onGetHeader(i *Interface, resp *jsonrpc.Response) {
	var header *chain.Header
	if resp.ServerError() == nil && len(resp.Result) > 0 &&
		string(resp.Result) != "null" {

		h := &chain.Header{}
		if err := json.Unmarshal(resp.Result, h); err == nil {
			header = h
		}
	}
	if header == nil {
		log.Warnf("%s: bad get_header response", i.server)
		n.connectionDown(i.server)
		return
	}
	height := header.Height
	if i.request.kind != reqHeader || i.request.value != height {
		log.Warnf("%s: unsolicited header %d", i.server, height)
		n.connectionDown(i.server)
		return
	}

	branchOf := n.checkHeaderAll(header)
	next := noHeight

	switch i.mode {
	case modeBackward:
		canConnect := n.canConnectAll(header)
		switch {
		case canConnect != nil && canConnect.CatchUp() == "":
			i.mode = modeCatchUp
			i.blockchain = canConnect
			if err := canConnect.SaveHeader(header); err != nil {
				n.connectionDown(i.server)
				return
			}
			next = height + 1
			canConnect.SetCatchUp(i.server)

		case branchOf != nil:
			log.Debugf("%s: binary search", i.server)
			i.mode = modeBinary
			i.blockchain = branchOf
			i.good = height
			next = (i.bad + i.good) / 2
			if next < chain.MaxCheckpoint() {
				n.connectionDown(i.server)
				return
			}

		default:
			if height == 0 {
				// Divergence below genesis is impossible.
				n.connectionDown(i.server)
				return
			}
			delta := i.tip - height
			candidate := i.tip - 2*delta
			if cp := chain.MaxCheckpoint(); candidate < cp {
				candidate = cp
			}
			if candidate >= height {
				// The peer diverges at or below the trust
				// anchor.
				n.connectionDown(i.server)
				return
			}
			i.bad = height
			i.badHeader = header
			next = candidate
		}

	case modeBinary:
		if branchOf != nil {
			i.good = height
			i.blockchain = branchOf
		} else {
			i.bad = height
			i.badHeader = header
		}

		if i.bad != i.good+1 {
			next = (i.bad + i.good) / 2
			if next < chain.MaxCheckpoint() {
				n.connectionDown(i.server)
				return
			}
			break
		}

		// The divergence point is found: bad is the first height the
		// peer disagrees on. The bad header must at least build on
		// our chain at that point.
		if !i.blockchain.CanConnect(i.badHeader, false) {
			n.connectionDown(i.server)
			return
		}

		if branch, ok := n.blockchains[i.bad]; ok {
			switch {
			case branch.CheckHeader(i.badHeader):
				log.Infof("%s: joining chain %d", i.server, i.bad)
				i.blockchain = branch

			case branch.Parent() != nil &&
				branch.Parent().CheckHeader(header):

				log.Infof("%s: reorg %d %d", i.server, i.bad, i.tip)
				i.blockchain = branch.Parent()

			default:
				log.Infof("%s: conflict with existing fork %s",
					i.server, branch.Path())
				if err := branch.Truncate(); err != nil {
					n.connectionDown(i.server)
					return
				}
				if err := branch.SaveHeader(i.badHeader); err != nil {
					n.connectionDown(i.server)
					return
				}
				i.mode = modeCatchUp
				i.blockchain = branch
				next = i.bad + 1
				branch.SetCatchUp(i.server)
			}
		} else {
			bh := i.blockchain.Height()
			if bh > i.good {
				if !i.blockchain.CheckHeader(i.badHeader) {
					b, err := i.blockchain.Fork(i.badHeader)
					if err != nil {
						n.connectionDown(i.server)
						return
					}
					n.blockchains[i.bad] = b
					i.blockchain = b
					log.Infof("%s: new chain %d", i.server,
						b.Checkpoint())
					i.mode = modeCatchUp
					next = i.bad + 1
					b.SetCatchUp(i.server)
				}
			} else if i.blockchain.CatchUp() == "" && bh < i.tip {
				log.Infof("%s: catching up from %d", i.server,
					bh+1)
				i.mode = modeCatchUp
				next = bh + 1
				i.blockchain.SetCatchUp(i.server)
			}
		}
		n.notify(EventUpdated)

	case modeCatchUp:
		if i.blockchain.CanConnect(header, true) {
			if err := i.blockchain.SaveHeader(header); err != nil {
				n.connectionDown(i.server)
				return
			}
			if height < i.tip {
				next = height + 1
			}
		} else {
			// The appended chain stopped connecting: walk back.
			log.Debugf("%s: cannot connect %d", i.server, height)
			if height == 0 {
				n.connectionDown(i.server)
				return
			}
			i.mode = modeBackward
			i.bad = height
			i.badHeader = header
			next = height - 1
		}

		if next == noHeight {
			// Exit catch_up: release the leader slot before
			// considering a lagging switch.
			log.Infof("%s: catch up done at %d", i.server,
				i.blockchain.Height())
			i.blockchain.SetCatchUp("")
			n.switchLaggingInterface()
			n.notify(EventUpdated)
		}

	default:
		log.Errorf("%s: header in unexpected mode %v", i.server, i.mode)
		n.connectionDown(i.server)
		return
	}

	if next != noHeight {
		if i.mode == modeCatchUp && i.tip > next+chunkThreshold {
			n.requestChunk(i, next/chain.ChunkSize)
		} else {
			n.requestHeader(i, next)
		}
	} else {
		i.mode = modeDefault
		i.request = syncRequest{}
		n.notify(EventUpdated)
	}
	n.notify(EventInterfaces)
}

// onGetChunk stores a received retarget window and keeps streaming until
// the session's branch reaches its tip. Loop only.
func (n *Network) onGetChunk(i *Interface, resp *jsonrpc.Response) {
	if resp.ServerError() != nil || len(resp.Result) == 0 ||
		len(resp.Params) == 0 {

		log.Debugf("%s: bad get_chunk response", i.server)
		return
	}
	var idx int64
	if err := json.Unmarshal(resp.Params[0], &idx); err != nil {
		return
	}
	// Ignore unsolicited chunks.
	if _, ok := n.requestedChunks[idx]; !ok {
		return
	}
	delete(n.requestedChunks, idx)

	var hexData string
	if err := json.Unmarshal(resp.Result, &hexData); err != nil {
		n.connectionDown(i.server)
		return
	}
	if i.blockchain == nil {
		n.connectionDown(i.server)
		return
	}
	if err := i.blockchain.ConnectChunk(idx, hexData); err != nil {
		log.Infof("%s: chunk %d failed to connect: %v", i.server,
			idx, err)
		n.connectionDown(i.server)
		return
	}

	if i.blockchain.Height() < i.tip {
		n.requestChunk(i, idx+1)
	} else {
		i.mode = modeDefault
		i.request = syncRequest{}
		log.Infof("%s: catch up done at %d", i.server,
			i.blockchain.Height())
		i.blockchain.SetCatchUp("")
	}
	n.notify(EventUpdated)
}
