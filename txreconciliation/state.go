// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/internal/sketch"
	"github.com/dchest/siphash"
)

// phase is the stage of the current reconciliation round with a peer, kept
// separately for rounds we initiated and rounds they initiated.
type phase uint8

const (
	phaseNone phase = iota
	phaseInitRequested
	phaseInitResponded
)

// peerState holds everything required to reconcile transactions with one
// registered peer.
type peerState struct {
	// k0, k1 are the SipHash keys for short-id computation, derived from
	// both sides' salt contributions at registration.
	k0, k1 uint64

	// weInitiate records the role negotiated for this connection: each
	// side consistently either initiates rounds (requests sketches) or
	// responds to them.
	weInitiate bool

	// localSet holds the wtxids we want to announce to the peer on the
	// next round.
	localSet map[chainhash.Hash]struct{}

	// shortIDMap caches the short id of every wtxid included in the last
	// computed sketch, so that when the peer later asks for missing
	// transactions by short id the full wtxid can be recovered.
	shortIDMap map[uint32]chainhash.Hash

	// phaseByUs tracks the round we initiated, phaseByThem the round the
	// peer initiated.
	phaseByUs   phase
	phaseByThem phase

	// remoteQ and remoteSetSize are the parameters received with the
	// peer's last reconciliation request, held until we respond with a
	// sketch.  remoteSetSize stays zero if no request arrived yet.
	remoteQ       float64
	remoteSetSize uint16

	// lastInitReconRespond is when we last responded to a reconciliation
	// request by this peer, used to throttle responses.
	lastInitReconRespond time.Time
}

func newPeerState(salt *chainhash.Hash, weInitiate bool) *peerState {
	k0, k1 := shortIDKeys(salt)
	return &peerState{
		k0:         k0,
		k1:         k1,
		weInitiate: weInitiate,
		localSet:   make(map[chainhash.Hash]struct{}),
		shortIDMap: make(map[uint32]chainhash.Hash),
		remoteQ:    ReconQ,
	}
}

// computeShortID returns the 32-bit short id of a wtxid under this
// connection's salt.  Short ids are offset by one so that zero, the identity
// of the sketch field, never occurs as an element.
func (s *peerState) computeShortID(wtxid *chainhash.Hash) uint32 {
	h := siphash.Hash(s.k0, s.k1, wtxid[:])
	return 1 + uint32(h&0xFFFFFFFF)
}

// considerInitResponseAndTrack returns whether enough time has passed since
// our last response to this peer to respond again and, if so, records now as
// the new response time.
func (s *peerState) considerInitResponseAndTrack(now time.Time) bool {
	if now.Sub(s.lastInitReconRespond) >= ReconResponseInterval {
		s.lastInitReconRespond = now
		return true
	}
	return false
}

// estimateSketchCapacity estimates the capacity of the sketch to send based
// on both set sizes and the peer's difference coefficient q:
//
//	diff = 1 + |local - remote| + round(q * min(local, remote))
//
// then sized by the field's false-positive capacity formula.
func (s *peerState) estimateSketchCapacity(localSetSize int) uint32 {
	local := uint32(localSetSize)
	remote := uint32(s.remoteSetSize)

	sizeDiff := local - remote
	minSize := remote
	if remote > local {
		sizeDiff = remote - local
		minSize = local
	}
	weightedMinSize := uint32(s.remoteQ*float64(minSize) + 0.5)
	estimatedDiff := 1 + weightedMinSize + sizeDiff

	return sketch.ComputeCapacity(ReconFieldSize, estimatedDiff,
		ReconFalsePositiveCoef)
}

// computeSketch builds a sketch of the given capacity over the local set's
// short ids, caching the short-id-to-wtxid mapping as it goes.  It returns
// nil for a zero capacity so an empty sketch is never serialized.
func (s *peerState) computeSketch(capacity uint32) *sketch.Sketch {
	if capacity == 0 {
		return nil
	}
	if capacity > MaxSketchCapacity {
		capacity = MaxSketchCapacity
	}

	sk := sketch.New32(capacity)
	for wtxid := range s.localSet {
		shortID := s.computeShortID(&wtxid)
		sk.Add(shortID)
		s.shortIDMap[shortID] = wtxid
	}
	return sk
}
