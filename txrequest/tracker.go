// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/btree"
)

// peerInfo holds per-peer counters maintained as a side effect of every
// insert, erase, and state change.
type peerInfo struct {
	// total is the number of announcements tracked for the peer.
	total int

	// requested is the number of REQUESTED announcements for the peer.
	requested int
}

// Tracker keeps track of, and schedules, transaction downloads from peers.
//
// See the package documentation for the high-level behavior.  All methods
// are safe for concurrent use; a single mutex is held for the duration of
// every call.
type Tracker struct {
	mtx sync.Mutex

	// computer is this tracker's priority computer.  Its salt is fixed at
	// construction.
	computer PriorityComputer

	// sequence is the next sequence number to assign.  It increases for
	// every announcement and is used to sort GetRequestable output in
	// announcement order.
	sequence uint64

	// The three ordered views over the announcement set.
	byPeer   *btree.BTree
	byTxHash *btree.BTree
	byTime   *btree.BTree

	// peerInfo holds the per-peer counters backing CountTracked and
	// CountInFlight.
	peerInfo map[uint64]peerInfo
}

// New returns an empty Tracker.  When deterministic is true the priority
// tie-break salt is zero, making peer selection reproducible across runs;
// production callers must pass false so that adversarial peers cannot
// predict tie-break outcomes.
func New(deterministic bool) *Tracker {
	return &Tracker{
		computer: newPriorityComputer(deterministic),
		byPeer:   btree.New(btreeDegree),
		byTxHash: btree.New(btreeDegree),
		byTime:   btree.New(btreeDegree),
		peerInfo: make(map[uint64]peerInfo),
	}
}

// PriorityComputer returns the tracker's priority computer so that callers
// (in practice, tests) can independently compute expected priorities.
func (t *Tracker) PriorityComputer() PriorityComputer {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.computer
}

// txHashPrev returns the announcement immediately preceding ann in ByTxHash
// order, or nil if ann is the first.
func (t *Tracker) txHashPrev(ann *announcement) *announcement {
	var prev *announcement
	self := true
	t.byTxHash.DescendLessOrEqual(txHashItem{ann}, func(i btree.Item) bool {
		if self {
			self = false
			return true
		}
		prev = i.(txHashItem).ann
		return false
	})
	return prev
}

// txHashNext returns the announcement immediately following ann in ByTxHash
// order, or nil if ann is the last.
func (t *Tracker) txHashNext(ann *announcement) *announcement {
	var next *announcement
	self := true
	t.byTxHash.AscendGreaterOrEqual(txHashItem{ann}, func(i btree.Item) bool {
		if self {
			self = false
			return true
		}
		next = i.(txHashItem).ann
		return false
	})
	return next
}

// lastForTxHash returns the last announcement for the given txhash in
// ByTxHash order (the canonical carrier of the per-txhash flags), or nil if
// no announcement for the txhash exists.
func (t *Tracker) lastForTxHash(txHash *chainhash.Hash) *announcement {
	probe := txHashItem{&announcement{txHash: *txHash, state: stateSentinel}}
	var last *announcement
	t.byTxHash.DescendLessOrEqual(probe, func(i btree.Item) bool {
		if ann := i.(txHashItem).ann; ann.txHash == *txHash {
			last = ann
		}
		return false
	})
	return last
}

// erase removes ann from all three indexes and updates the per-peer
// counters.  As ann may be the last-sorted entry for its txhash, its
// per-txhash flags are propagated to its predecessor first.
func (t *Tracker) erase(ann *announcement) {
	pi := t.peerInfo[ann.peer]
	if ann.state == stateRequested {
		pi.requested--
	}
	pi.total--
	if pi.total == 0 {
		delete(t.peerInfo, ann.peer)
	} else {
		t.peerInfo[ann.peer] = pi
	}

	if prev := t.txHashPrev(ann); prev != nil && prev.txHash == ann.txHash {
		prev.perTxHash |= ann.perTxHash
	}

	t.byPeer.Delete(peerItem{ann})
	t.byTxHash.Delete(txHashItem{ann})
	t.byTime.Delete(timeItem{ann})
}

// modify applies fn to ann while keeping all three indexes, the per-peer
// counters, and the per-txhash flag carrier consistent.  The index keys
// derive from mutable fields, so ann is removed from the trees before fn
// runs and reinserted afterwards.
func (t *Tracker) modify(ann *announcement, fn func(*announcement)) {
	pi := t.peerInfo[ann.peer]
	if ann.state == stateRequested {
		pi.requested--
	}

	// ann may have been the last-sorted entry for its txhash, so propagate
	// its flags to its predecessor (which would then become the new
	// last-sorted entry).
	if prev := t.txHashPrev(ann); prev != nil && prev.txHash == ann.txHash {
		prev.perTxHash |= ann.perTxHash
	}

	t.byPeer.Delete(peerItem{ann})
	t.byTxHash.Delete(txHashItem{ann})
	t.byTime.Delete(timeItem{ann})

	fn(ann)

	t.byPeer.ReplaceOrInsert(peerItem{ann})
	t.byTxHash.ReplaceOrInsert(txHashItem{ann})
	t.byTime.ReplaceOrInsert(timeItem{ann})

	// ann may now be the new last-sorted entry for its txhash, so absorb
	// the flags its predecessor carries.
	if prev := t.txHashPrev(ann); prev != nil && prev.txHash == ann.txHash {
		ann.perTxHash |= prev.perTxHash
	}

	if ann.state == stateRequested {
		pi.requested++
	}
	t.peerInfo[ann.peer] = pi
}

// promoteCandidateNew converts a CANDIDATE_DELAYED entry whose reqtime has
// passed into CANDIDATE_READY, and further into CANDIDATE_BEST when it is
// the best selectable entry for its txhash and no request is in flight.
func (t *Tracker) promoteCandidateNew(ann *announcement) {
	// Convert CANDIDATE_DELAYED to CANDIDATE_READY first.
	t.modify(ann, func(a *announcement) { a.state = stateCandidateReady })

	// ByTxHash sorts one txhash's entries DELAYED, BEST/REQUESTED, READY
	// (best first).  So if an existing BEST that this entry may displace
	// exists, it immediately precedes the newly positioned READY entry.
	prev := t.txHashPrev(ann)
	switch {
	case prev == nil || prev.txHash != ann.txHash ||
		prev.state == stateCandidateDelayed:
		// This is the best CANDIDATE_READY, and no selected entry for
		// this txhash exists.
		t.modify(ann, func(a *announcement) { a.state = stateCandidateBest })
		log.Debugf("Promoted peer=%d %s to candidate-best", ann.peer,
			ann.txHash)

	case prev.state == stateCandidateBest && ann.priority < prev.priority:
		// There is a CANDIDATE_BEST entry already, but this one is
		// better.
		t.modify(prev, func(a *announcement) { a.state = stateCandidateReady })
		t.modify(ann, func(a *announcement) { a.state = stateCandidateBest })
		log.Debugf("Displaced peer=%d by peer=%d as candidate-best for %s",
			prev.peer, ann.peer, ann.txHash)
	}
}

// changeAndReselect sets ann to a non-selected state.  If ann was the
// selected entry for its txhash, the next best CANDIDATE_READY (if any) is
// promoted to CANDIDATE_BEST in its place.
func (t *Tracker) changeAndReselect(ann *announcement, newState entryState) {
	if ann.isSelected() {
		// The next best CANDIDATE_READY, if any, immediately follows
		// the REQUESTED or CANDIDATE_BEST entry in ByTxHash order.
		next := t.txHashNext(ann)
		if next != nil && next.txHash == ann.txHash &&
			next.state == stateCandidateReady {

			t.modify(next, func(a *announcement) {
				a.state = stateCandidateBest
			})
		}
	}
	t.modify(ann, func(a *announcement) { a.state = newState })
}

// makeCompleted converts any announcement into a COMPLETED one.  If that
// leaves only COMPLETED announcements for the txhash, all of them are erased
// and false is returned.  Otherwise the entry still exists afterwards and
// true is returned; if it was selected, the next best candidate takes over.
func (t *Tracker) makeCompleted(ann *announcement) bool {
	if ann.state == stateCompleted {
		return true
	}

	prev := t.txHashPrev(ann)
	next := t.txHashNext(ann)
	firstForHash := prev == nil || prev.txHash != ann.txHash
	lastLive := next == nil || next.txHash != ann.txHash ||
		next.state == stateCompleted
	if firstForHash && lastLive {
		// This is the first entry for the txhash and the last
		// non-COMPLETED one, so only COMPLETED entries would remain.
		// Delete them all.
		t.eraseTxHash(&ann.txHash)
		return false
	}

	t.changeAndReselect(ann, stateCompleted)
	return true
}

// eraseTxHash erases every announcement with the given txhash.
func (t *Tracker) eraseTxHash(txHash *chainhash.Hash) {
	probe := txHashItem{&announcement{txHash: *txHash}}
	var doomed []*announcement
	t.byTxHash.AscendGreaterOrEqual(probe, func(i btree.Item) bool {
		ann := i.(txHashItem).ann
		if ann.txHash != *txHash {
			return false
		}
		doomed = append(doomed, ann)
		return true
	})
	for _, ann := range doomed {
		t.erase(ann)
	}
	if len(doomed) > 0 {
		log.Debugf("Forgot %d announcement(s) for %s", len(doomed), txHash)
	}
}

// setTimePoint makes the data structure consistent with the given point in
// time:
//
//   - REQUESTED entries with expiry <= now become COMPLETED,
//   - CANDIDATE_DELAYED entries with reqtime <= now become
//     CANDIDATE_READY or CANDIDATE_BEST.
//
// Selectable entries with reqtime > now (the clock ran backwards) are not
// touched here; rewindTimePoint demotes those.
func (t *Tracker) setTimePoint(now time.Time) {
	// Process triggered waiting entries from old to new.  Waiting entries
	// occupy the lowest ByTime bucket, so they are always at the front.
	for t.byTime.Len() > 0 {
		front := t.byTime.Min().(timeItem).ann
		switch {
		case front.state == stateCandidateDelayed && !front.time.After(now):
			t.promoteCandidateNew(front)
		case front.state == stateRequested && !front.time.After(now):
			t.makeCompleted(front)
		default:
			return
		}
	}
}

// rewindTimePoint demotes selectable entries whose reqtime lies in the
// future back to CANDIDATE_DELAYED.  This only happens when the caller's
// clock ran backwards; handling it keeps the tracker's behavior a pure
// function of the supplied (operation, now) sequence.
func (t *Tracker) rewindTimePoint(now time.Time) {
	// Selectable entries occupy the highest ByTime bucket, so they are
	// always at the back.
	for t.byTime.Len() > 0 {
		back := t.byTime.Max().(timeItem).ann
		if !back.isSelectable() || !back.time.After(now) {
			return
		}
		t.changeAndReselect(back, stateCandidateDelayed)
	}
}

// ReceivedInv adds a new CANDIDATE_DELAYED announcement for (peer, gtxid),
// unless one already exists for that combination in any state.  The entry
// becomes requestable once reqtime has passed.  It is eligible for the
// one-time first marker of its preference class if overloaded is false and
// no request for the txhash has ever been attempted.
func (t *Tracker) ReceivedInv(peer uint64, gtxid GenTxID, preferred,
	overloaded bool, reqtime time.Time) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txHash := gtxid.Hash()

	// Bail out if an entry for this (peer, txhash) combination already
	// exists.  The ByPeer key embeds whether the entry is CANDIDATE_BEST,
	// so both possible keys have to be probed.
	probe := &announcement{txHash: txHash, peer: peer}
	if t.byPeer.Has(peerItem{probe}) {
		return
	}
	probe.state = stateCandidateBest
	if t.byPeer.Has(peerItem{probe}) {
		return
	}

	// Read the canonical per-txhash flags from the last existing
	// announcement for this txhash, if any.
	var perTxHash uint8
	if last := t.lastForTxHash(&txHash); last != nil {
		perTxHash = last.perTxHash
	}

	// Determine whether the new announcement gets the first marker, and
	// extend the flags to store accordingly.
	first := false
	if !overloaded {
		if preferred && perTxHash&flagNoMorePreferredFirst == 0 {
			first = true
			perTxHash |= flagNoMorePreferredFirst
		} else if !preferred && perTxHash&flagNoMoreNonPreferredFirst == 0 {
			first = true
			perTxHash |= flagNoMoreNonPreferredFirst
		}
	}

	ann := &announcement{
		txHash:    txHash,
		time:      reqtime,
		peer:      peer,
		sequence:  t.sequence,
		preferred: preferred,
		isWtxid:   gtxid.IsWtxid(),
		first:     first,
		state:     stateCandidateDelayed,
	}
	ann.priority = t.computer.Priority(&ann.txHash, peer, preferred, first)

	t.byPeer.ReplaceOrInsert(peerItem{ann})
	t.byTxHash.ReplaceOrInsert(txHashItem{ann})
	t.byTime.ReplaceOrInsert(timeItem{ann})

	t.sequence++
	pi := t.peerInfo[peer]
	pi.total++
	t.peerInfo[peer] = pi

	// Store the updated flags on the new last entry for the txhash (the
	// freshly inserted announcement, or whichever entry still sorts last).
	if last := t.lastForTxHash(&txHash); last != nil {
		last.perTxHash |= perTxHash
	}

	log.Debugf("Tracking announcement of %v by peer=%d (preferred=%v, "+
		"first=%v)", gtxid, peer, preferred, first)
}

// AlreadyHaveTx erases every announcement for the given txhash, regardless
// of state or announcing peer.  It should be called when the transaction was
// accepted into the mempool, seen in a block, or is otherwise no longer
// wanted.  The is_wtxid flag of gtxid is ignored.
func (t *Tracker) AlreadyHaveTx(gtxid GenTxID) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	txHash := gtxid.Hash()
	t.eraseTxHash(&txHash)
}

// DeletedPeer erases all announcements made by the given peer.  It should be
// called when a peer goes offline.  Each entry is completed first, so that
// another peer's candidate can take over as CANDIDATE_BEST, or the whole
// txhash is garbage-collected when no viable candidates remain.
func (t *Tracker) DeletedPeer(peer uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	// Snapshot the peer's announcements up front: makeCompleted may erase
	// the entry being processed (and, with it, other entries of the same
	// txhash, which necessarily belong to other peers).
	probe := peerItem{&announcement{peer: peer}}
	var anns []*announcement
	t.byPeer.AscendGreaterOrEqual(probe, func(i btree.Item) bool {
		ann := i.(peerItem).ann
		if ann.peer != peer {
			return false
		}
		anns = append(anns, ann)
		return true
	})

	for _, ann := range anns {
		if t.makeCompleted(ann) {
			// Erase the entry unless makeCompleted already deleted
			// it as part of a whole-txhash garbage collection.
			t.erase(ann)
		}
	}

	if len(anns) > 0 {
		log.Debugf("Deleted %d announcement(s) of departed peer=%d",
			len(anns), peer)
	}
}

// ReceivedResponse marks the (peer, gtxid) announcement COMPLETED, if one
// exists in a non-COMPLETED state.  It should be called whenever a
// transaction or a notfound is received from a peer.  When the transaction
// is acceptable, AlreadyHaveTx should be called instead of (or in addition
// to) this.
func (t *Tracker) ReceivedResponse(peer uint64, gtxid GenTxID) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	// The ByPeer key embeds whether the entry is CANDIDATE_BEST, so the
	// lookup has to try both shapes.
	txHash := gtxid.Hash()
	probe := &announcement{txHash: txHash, peer: peer}
	item := t.byPeer.Get(peerItem{probe})
	if item == nil {
		probe.state = stateCandidateBest
		item = t.byPeer.Get(peerItem{probe})
	}
	if item != nil {
		t.makeCompleted(item.(peerItem).ann)
	}
}

// RequestedTx converts the CANDIDATE_BEST announcement for (peer, gtxid)
// into a REQUESTED one that expires at exptime.  It may only be called for
// ids returned by the immediately preceding GetRequestable call for the same
// peer, with only other RequestedTx and AlreadyHaveTx calls in between; any
// other non-const operation voids that contract.  A call for an announcement
// that is not CANDIDATE_BEST is reported as an AssertError and indicates a
// bug in the caller; other breaches of the contract are not detected.
func (t *Tracker) RequestedTx(peer uint64, gtxid GenTxID,
	exptime time.Time) error {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	txHash := gtxid.Hash()
	probe := &announcement{txHash: txHash, peer: peer, state: stateCandidateBest}
	item := t.byPeer.Get(peerItem{probe})
	if item == nil {
		return AssertError(fmt.Sprintf("no candidate-best announcement "+
			"of %v by peer=%d", gtxid, peer))
	}
	ann := item.(peerItem).ann

	t.modify(ann, func(a *announcement) {
		a.state = stateRequested
		a.time = exptime
	})

	// With a request outstanding, no later announcement of this txhash may
	// claim a first marker in either class.
	if last := t.lastForTxHash(&txHash); last != nil {
		last.perTxHash |= flagNoMorePreferredFirst |
			flagNoMoreNonPreferredFirst
	}

	log.Debugf("Marked %v as requested from peer=%d", gtxid, peer)
	return nil
}

// GetRequestable advances the tracker to the given time and returns the ids
// the caller should now request from the given peer, in announcement order.
// Until another non-const operation other than RequestedTx or AlreadyHaveTx
// runs, RequestedTx may be invoked for the returned ids (for the same peer).
func (t *Tracker) GetRequestable(peer uint64, now time.Time) []GenTxID {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.setTimePoint(now)
	t.rewindTimePoint(now)

	// Collect the peer's CANDIDATE_BEST entries.  They form a contiguous
	// ByPeer run starting at (peer, best, 0x00..00).
	probe := peerItem{&announcement{peer: peer, state: stateCandidateBest}}
	var selected []*announcement
	t.byPeer.AscendGreaterOrEqual(probe, func(i btree.Item) bool {
		ann := i.(peerItem).ann
		if ann.peer != peer || ann.state != stateCandidateBest {
			return false
		}
		selected = append(selected, ann)
		return true
	})

	// Return them in announcement order, stable across shared reqtimes and
	// clock jumps.
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].sequence < selected[j].sequence
	})
	ret := make([]GenTxID, 0, len(selected))
	for _, ann := range selected {
		if ann.isWtxid {
			ret = append(ret, NewWtxID(ann.txHash))
		} else {
			ret = append(ret, NewTxID(ann.txHash))
		}
	}
	return ret
}

// CountInFlight returns how many requests to the given peer are in flight.
func (t *Tracker) CountInFlight(peer uint64) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.peerInfo[peer].requested
}

// CountTracked returns how many announcements by the given peer are being
// tracked, including in-flight and completed ones.
func (t *Tracker) CountTracked(peer uint64) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.peerInfo[peer].total
}

// Size returns the total number of announcements across all peers and
// transactions.
func (t *Tracker) Size() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.byTxHash.Len()
}
