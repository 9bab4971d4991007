// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// entryState is the state a (peer, txhash) announcement is in.  CANDIDATE is
// split into three substates (DELAYED, BEST, READY) so that the ByTxHash
// ordering can place the selected entry directly before the best ready one.
// The sorting of the ByTxHash index relies on the specific order of these
// values: within one txhash, entries sort DELAYED, BEST, REQUESTED, READY,
// COMPLETED.
type entryState uint8

const (
	// stateCandidateDelayed is a candidate whose reqtime is in the future.
	stateCandidateDelayed entryState = iota

	// stateCandidateBest is the best candidate for a given txhash; it only
	// exists if there is no REQUESTED entry for that txhash.  It is the
	// lowest-priority entry among all READY (and BEST) ones for the
	// txhash.
	stateCandidateBest

	// stateRequested is an announcement with an outstanding request; its
	// time holds the expiry rather than the reqtime.
	stateRequested

	// stateCandidateReady is a candidate that is neither DELAYED nor BEST.
	stateCandidateReady

	// stateCompleted is an announcement whose request failed (timeout,
	// notfound) or succeeded.  It is only kept around to prevent
	// re-requesting from the same peer.
	stateCompleted

	// stateSentinel is an invalid state larger than all valid ones, used
	// as a probe when searching for the last entry of a txhash.
	stateSentinel
)

// Flags stored per txhash (on the last announcement for that txhash in
// ByTxHash order).  Once set, later announcements of the corresponding
// preference class can no longer claim the first marker.
const (
	flagNoMorePreferredFirst    uint8 = 1
	flagNoMoreNonPreferredFirst uint8 = 2
)

// announcement is a single statement by a peer that it can provide the
// transaction identified by txHash.  There is at most one announcement per
// (peer, txHash) pair at any time.  All fields other than state, time, and
// perTxHash are immutable after creation.
type announcement struct {
	// txHash is the announced transaction hash (txid or wtxid).
	txHash chainhash.Hash

	// time is the reqtime while the entry is a candidate, and the expiry
	// time once it is REQUESTED.
	time time.Time

	// peer identifies the announcing peer.
	peer uint64

	// sequence is a unique, strictly increasing id assigned at creation.
	// GetRequestable returns entries in sequence order.
	sequence uint64

	// priority caches the PriorityComputer output; all of its inputs are
	// immutable per announcement.
	priority uint64

	preferred bool
	isWtxid   bool
	first     bool

	state entryState

	// perTxHash carries the flagNoMore*First flags.  Only the last
	// announcement for a given txhash in ByTxHash order is canonical; the
	// values on other announcements may be arbitrary subsets.
	perTxHash uint8
}

// isSelected returns whether this entry is the selected one for its txhash.
// There is at most one selected announcement per txhash.
func (a *announcement) isSelected() bool {
	return a.state == stateCandidateBest || a.state == stateRequested
}

// isWaiting returns whether this entry is waiting for a timestamp to pass.
func (a *announcement) isWaiting() bool {
	return a.state == stateRequested || a.state == stateCandidateDelayed
}

// isSelectable returns whether this entry could become the selected one if
// the currently selected entry disappears.
func (a *announcement) isSelectable() bool {
	return a.state == stateCandidateReady || a.state == stateCandidateBest
}

// readyPriority is the priority component of the ByTxHash key: the cached
// priority for READY entries, zero for everything else.  This places the
// best READY entry directly after the BEST/REQUESTED one for its txhash.
func (a *announcement) readyPriority() uint64 {
	if a.state == stateCandidateReady {
		return a.priority
	}
	return 0
}

// timeBucket is the major component of the ByTime key: waiting entries sort
// first so that the forward pass of setTimePoint only ever inspects the
// front, then COMPLETED, then selectable entries so that the backward pass
// only ever inspects the back.
func (a *announcement) timeBucket() int {
	switch {
	case a.isWaiting():
		return 0
	case a.isSelectable():
		return 2
	default:
		return 1
	}
}
