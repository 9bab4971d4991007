// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/btree"
)

// SanityCheck verifies the tracker's internal invariants from first
// principles and returns an AssertError describing the first violation
// found, or nil.  It walks every announcement, so it is intended for tests
// rather than production paths.
func (t *Tracker) SanityCheck() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	// Recompute the per-peer counters.  This also verifies that no
	// zero-total peerInfo entries linger.
	recomputed := make(map[uint64]peerInfo)
	t.byTxHash.Ascend(func(i btree.Item) bool {
		ann := i.(txHashItem).ann
		pi := recomputed[ann.peer]
		pi.total++
		if ann.state == stateRequested {
			pi.requested++
		}
		recomputed[ann.peer] = pi
		return true
	})
	if len(recomputed) != len(t.peerInfo) {
		return AssertError(fmt.Sprintf("peerInfo has %d entries, "+
			"recomputed %d", len(t.peerInfo), len(recomputed)))
	}
	for peer, pi := range recomputed {
		if t.peerInfo[peer] != pi {
			return AssertError(fmt.Sprintf("peerInfo mismatch for "+
				"peer=%d: have %+v, want %+v", peer,
				t.peerInfo[peer], pi))
		}
	}

	// Per-txhash accounting.
	type counts struct {
		delayed, ready, best, requested int
		bestPriority                    uint64
		bestReadyPriority               uint64
		peers                           map[uint64]int
		anyPreferredFirst               bool
		anyNonPreferredFirst            bool
		orAllFlags                      uint8
	}
	table := make(map[chainhash.Hash]*counts)
	seqs := make(map[uint64]int)
	t.byTxHash.Ascend(func(i btree.Item) bool {
		ann := i.(txHashItem).ann
		c := table[ann.txHash]
		if c == nil {
			c = &counts{
				bestReadyPriority: math.MaxUint64,
				peers:             make(map[uint64]int),
			}
			table[ann.txHash] = c
		}
		switch ann.state {
		case stateCandidateDelayed:
			c.delayed++
		case stateCandidateReady:
			c.ready++
			if ann.priority < c.bestReadyPriority {
				c.bestReadyPriority = ann.priority
			}
		case stateCandidateBest:
			c.best++
			c.bestPriority = ann.priority
		case stateRequested:
			c.requested++
		}
		c.peers[ann.peer]++
		c.anyPreferredFirst = c.anyPreferredFirst || (ann.first && ann.preferred)
		c.anyNonPreferredFirst = c.anyNonPreferredFirst ||
			(ann.first && !ann.preferred)
		c.orAllFlags |= ann.perTxHash
		seqs[ann.sequence]++
		return true
	})

	for seq, n := range seqs {
		if n > 1 {
			return AssertError(fmt.Sprintf("sequence %d assigned to "+
				"%d announcements", seq, n))
		}
		if seq >= t.sequence {
			return AssertError(fmt.Sprintf("sequence %d not below "+
				"next sequence %d", seq, t.sequence))
		}
	}

	for txHash, c := range table {
		// A txhash with only COMPLETED entries should have been
		// garbage-collected.
		if c.delayed+c.ready+c.best+c.requested == 0 {
			return AssertError(fmt.Sprintf("only completed "+
				"announcements remain for %s", txHash))
		}

		// At most one selected entry per txhash, and exactly one
		// whenever any READY entry exists.
		if c.best+c.requested > 1 {
			return AssertError(fmt.Sprintf("%d selected "+
				"announcements for %s", c.best+c.requested, txHash))
		}
		if c.ready > 0 && c.best+c.requested != 1 {
			return AssertError(fmt.Sprintf("ready announcements "+
				"for %s without a selected one", txHash))
		}

		// A coexisting BEST must be at least as good as the best READY.
		if c.ready > 0 && c.best > 0 &&
			c.bestPriority > c.bestReadyPriority {

			return AssertError(fmt.Sprintf("candidate-best for %s "+
				"has priority %d worse than best ready %d", txHash,
				c.bestPriority, c.bestReadyPriority))
		}

		// At most one announcement per (peer, txhash).
		for peer, n := range c.peers {
			if n > 1 {
				return AssertError(fmt.Sprintf("%d announcements "+
					"of %s by peer=%d", n, txHash, peer))
			}
		}

		// The canonical flags must cover every in-force flag implied by
		// the existing announcements, and the carrier (the last entry
		// in ByTxHash order) must hold exactly the union of all flags.
		var expected uint8
		if c.anyPreferredFirst || c.requested > 0 {
			expected |= flagNoMorePreferredFirst
		}
		if c.anyNonPreferredFirst || c.requested > 0 {
			expected |= flagNoMoreNonPreferredFirst
		}
		if expected&^c.orAllFlags != 0 {
			return AssertError(fmt.Sprintf("per-txhash flags %#x "+
				"for %s missing expected bits %#x", c.orAllFlags,
				txHash, expected))
		}
		last := t.lastForTxHash(&txHash)
		if last == nil {
			return AssertError(fmt.Sprintf("no last announcement "+
				"for tracked %s", txHash))
		}
		if last.perTxHash != c.orAllFlags {
			return AssertError(fmt.Sprintf("flag carrier for %s "+
				"holds %#x, want union %#x", txHash, last.perTxHash,
				c.orAllFlags))
		}
	}

	return nil
}

// TimeSanityCheck verifies the time-dependent invariants that hold directly
// after GetRequestable(now): waiting entries have times in the future, while
// selectable entries have times in the past.
func (t *Tracker) TimeSanityCheck(now time.Time) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var err error
	t.byTime.Ascend(func(i btree.Item) bool {
		ann := i.(timeItem).ann
		switch {
		case ann.isWaiting() && !ann.time.After(now):
			err = AssertError(fmt.Sprintf("waiting announcement of "+
				"%s by peer=%d has time %v not after %v", ann.txHash,
				ann.peer, ann.time, now))
		case ann.isSelectable() && ann.time.After(now):
			err = AssertError(fmt.Sprintf("selectable announcement "+
				"of %s by peer=%d has future time %v", ann.txHash,
				ann.peer, ann.time))
		}
		return err == nil
	})
	return err
}
