// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"bytes"

	"github.com/google/btree"
)

// The tracker keeps three ordered views over the same announcement records,
// each a B-tree of items wrapping the shared *announcement:
//
//	ByPeer:   (peer, state == CANDIDATE_BEST, txhash)
//	ByTxHash: (txhash, state, priority-if-READY, peer)
//	ByTime:   (bucket, time, sequence)
//
// The derived keys include mutable fields (state, time), so any mutation of
// those fields must go through Tracker.modify, which removes the entry from
// all three trees before mutating and reinserts it afterwards.

// btreeDegree is the branching factor used for all three index trees.
const btreeDegree = 32

// peerItem adapts an announcement to the ByPeer ordering.  Embedding the
// CANDIDATE_BEST bit in the key lets GetRequestable scan exactly the peer's
// BEST entries and stop.  The key is unique: there is at most one
// announcement per (peer, txhash).
type peerItem struct {
	ann *announcement
}

func (x peerItem) Less(than btree.Item) bool {
	a, b := x.ann, than.(peerItem).ann
	if a.peer != b.peer {
		return a.peer < b.peer
	}
	aBest := a.state == stateCandidateBest
	bBest := b.state == stateCandidateBest
	if aBest != bBest {
		return !aBest
	}
	return bytes.Compare(a.txHash[:], b.txHash[:]) < 0
}

// txHashItem adapts an announcement to the ByTxHash ordering.  Within one
// txhash the entries sort DELAYED, BEST, REQUESTED, READY (by ascending
// priority), COMPLETED, which positions the current BEST immediately before
// the best READY.  The trailing peer component only breaks ties between
// otherwise-equal keys to give the tree a total order; no algorithm depends
// on the relative order of equal-keyed entries.
type txHashItem struct {
	ann *announcement
}

func (x txHashItem) Less(than btree.Item) bool {
	a, b := x.ann, than.(txHashItem).ann
	if c := bytes.Compare(a.txHash[:], b.txHash[:]); c != 0 {
		return c < 0
	}
	if a.state != b.state {
		return a.state < b.state
	}
	if ap, bp := a.readyPriority(), b.readyPriority(); ap != bp {
		return ap < bp
	}
	return a.peer < b.peer
}

// timeItem adapts an announcement to the ByTime ordering used by
// setTimePoint: waiting entries (bucket 0) at the front ordered by their
// trigger time, selectable entries (bucket 2) at the back.
type timeItem struct {
	ann *announcement
}

func (x timeItem) Less(than btree.Item) bool {
	a, b := x.ann, than.(timeItem).ann
	if ab, bb := a.timeBucket(), b.timeBucket(); ab != bb {
		return ab < bb
	}
	if !a.time.Equal(b.time) {
		return a.time.Before(b.time)
	}
	return a.sequence < b.sequence
}
