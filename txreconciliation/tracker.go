// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dchest/siphash"
)

// txidHasher is a tracker-wide salted wtxid hasher used to pick the peers a
// given transaction is flooded to.  The salt is drawn once per tracker so
// flooding choices are stable for its lifetime but differ across nodes.
type txidHasher struct {
	k0, k1 uint64
}

func (h txidHasher) hash(wtxid *chainhash.Hash) uint64 {
	return siphash.Hash(h.k0, h.k1, wtxid[:])
}

// Tracker keeps track of all reconciliation-related state with registered
// peers: the registration handshake, per-peer reconciliation sets, round
// phases, and the round-robin queue of peers we initiate rounds with.
//
// All methods are safe for concurrent use; a single mutex is held for the
// duration of every call.  The Tracker never reads the wall clock; methods
// with time-dependent behavior take the current time from the caller.
type Tracker struct {
	mtx sync.Mutex

	txidHasher txidHasher

	// localSalts holds our 64-bit salt contribution per peer, generated
	// at pre-registration.  A peer always has a localSalts entry before
	// it can have a states entry.
	localSalts map[uint64]uint64

	// states holds the reconciliation state of every registered peer.
	states map[uint64]*peerState

	// queue is the round-robin order of the peers we initiate
	// reconciliation rounds with.  Every member has weInitiate set.
	queue []uint64

	// nextReconRequest is the earliest time the next round may be
	// initiated.  A single timer across the whole queue yields the
	// intended cadence of one round per ReconRequestInterval divided by
	// the number of initiator peers.
	nextReconRequest time.Time
}

// New returns an empty Tracker with a freshly salted flood hasher.
func New() *Tracker {
	return &Tracker{
		txidHasher: txidHasher{k0: randUint64(), k1: randUint64()},
		localSalts: make(map[uint64]uint64),
		states:     make(map[uint64]*peerState),
	}
}

// PreRegisterPeer generates the initial state required to later reconcile
// with the peer, and returns the values used to invite it to reconcile:
// whether we want to initiate rounds, whether we agree to respond to rounds,
// the protocol version, and our salt contribution for short-id computation.
// Roles follow the connection direction: the outbound side initiates, the
// inbound side responds.
//
// This must be called exactly once per peer; a second call for the same peer
// is a programmer error and returns an AssertError.
func (t *Tracker) PreRegisterPeer(peerID uint64, peerInbound bool) (bool,
	bool, uint32, uint64, error) {

	weInitiate := !peerInbound
	weRespond := peerInbound

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.localSalts[peerID]; ok {
		return false, false, 0, 0, AssertError(fmt.Sprintf("peer=%d "+
			"already pre-registered", peerID))
	}
	localSalt := randUint64()
	t.localSalts[peerID] = localSalt

	log.Debugf("Pre-registered peer=%d for reconciling", peerID)
	return weInitiate, weRespond, ReconVersion, localSalt, nil
}

// RegisterPeer generates the state required to track ongoing reconciliations
// with a peer, once the peer agreed to reconcile with us.  It returns false,
// without changing any state, if the peer violates the protocol: it is
// already registered, was never pre-registered, announced an unusable
// version, or claimed a role combination that leaves no side initiating.
// Salt or version updates after a successful registration are not supported
// and are treated as a violation too.
func (t *Tracker) RegisterPeer(peerID uint64, peerInbound, theyMayInitiate,
	theyMayRespond bool, reconVersion uint32, remoteSalt uint64) bool {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.states[peerID]; ok {
		return false
	}

	// If the peer supports a version higher than ours, downgrade to ours;
	// v1 is the lowest version, so anything below is a violation.
	if reconVersion > ReconVersion {
		reconVersion = ReconVersion
	}
	if reconVersion < 1 {
		return false
	}

	localSalt, ok := t.localSalts[peerID]
	if !ok {
		return false
	}

	// Derive the roles.  Both sides base their claims on the connection
	// direction, so at most one of the two products can hold.
	weMayInitiate := !peerInbound
	weMayRespond := peerInbound
	theyInitiate := theyMayInitiate && weMayRespond
	weInitiate := weMayInitiate && theyMayRespond

	// The peer left both roles unset, so no reconciliation can ever
	// happen on this connection.
	if !theyInitiate && !weInitiate {
		return false
	}

	if weInitiate {
		t.queue = append(t.queue, peerID)
	}

	fullSalt := ComputeSalt(localSalt, remoteSalt)
	t.states[peerID] = newPeerState(&fullSalt, weInitiate)

	log.Debugf("Registered peer=%d for reconciling: weInitiate=%v, "+
		"theyInitiate=%v", peerID, weInitiate, theyInitiate)
	return true
}

// AddToReconSet adds the given wtxids to the peer's reconciliation set, to
// be announced on the next round.  Adding an already-present wtxid is a
// no-op.  Calling it for an unregistered peer, or with no wtxids, is a
// programmer error.
func (t *Tracker) AddToReconSet(peerID uint64,
	wtxids []chainhash.Hash) error {

	if len(wtxids) == 0 {
		return AssertError("no wtxids to add to reconciliation set")
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok {
		return AssertError(fmt.Sprintf("peer=%d is not registered for "+
			"reconciliation", peerID))
	}

	added := 0
	for _, wtxid := range wtxids {
		if _, ok := state.localSet[wtxid]; !ok {
			state.localSet[wtxid] = struct{}{}
			added++
		}
	}

	log.Debugf("Added %d new transaction(s) to the reconciliation set for "+
		"peer=%d, now holding %d", added, peerID, len(state.localSet))
	return nil
}

// TryRemovingFromReconSet removes a wtxid from the peer's reconciliation set
// if present.  It is silent when the peer is unknown or the wtxid is not in
// the set.
func (t *Tracker) TryRemovingFromReconSet(peerID uint64,
	wtxid chainhash.Hash) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok {
		return
	}
	delete(state.localSet, wtxid)
}

// updateNextReconRequest schedules the next allowed round initiation.  There
// is one timer for the entire queue; per-peer fairness comes from the
// round-robin rotation.  The initiator count is recomputed on every call
// rather than cached: rounds are initiated towards outbound connections,
// which cannot meaningfully game this timer.
func (t *Tracker) updateNextReconRequest(now time.Time) {
	initiators := 0
	for _, state := range t.states {
		if state.weInitiate {
			initiators++
		}
	}
	t.nextReconRequest = now.Add(ReconRequestInterval /
		time.Duration(initiators))
}

// MaybeRequestReconciliation checks whether it is this peer's turn to have a
// reconciliation round initiated.  If the global request timer has expired
// and the peer is at the front of the round-robin queue, the queue rotates,
// the round phase is entered, and the parameters to send with the request
// are returned: our set size and the difference coefficient q scaled by
// QPrecision.  In every other case ok is false.
func (t *Tracker) MaybeRequestReconciliation(peerID uint64,
	now time.Time) (uint16, uint16, bool) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok || len(t.queue) == 0 {
		return 0, 0, false
	}

	if now.Before(t.nextReconRequest) || t.queue[0] != peerID {
		return 0, 0, false
	}

	// Rotate the queue and restart the timer even if the peer turns out
	// to still be mid-round below, so other peers are not starved.
	t.queue = append(t.queue[1:], peerID)
	t.updateNextReconRequest(now)

	if state.phaseByUs != phaseNone {
		return 0, 0, false
	}
	state.phaseByUs = phaseInitRequested

	localSetSize := uint16(len(state.localSet))
	precision := float64(QPrecision)
	qScaled := uint16(ReconQ*precision + 0.5)

	log.Debugf("Initiating reconciliation with peer=%d: localSetSize=%d",
		peerID, localSetSize)
	return localSetSize, qScaled, true
}

// HandleReconciliationRequest records the parameters of a reconciliation
// round initiated by the peer.  The request is ignored unless the peer is
// registered, is one we respond to rather than initiate with, and has no
// round of its own already underway.
func (t *Tracker) HandleReconciliationRequest(peerID uint64, theirSetSize,
	theirQScaled uint16) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok || state.weInitiate || state.phaseByThem != phaseNone {
		return
	}

	state.remoteQ = float64(theirQScaled) / float64(QPrecision)
	state.remoteSetSize = theirSetSize
	state.phaseByThem = phaseInitRequested

	log.Debugf("Reconciliation initiated by peer=%d: remoteQ=%v, "+
		"remoteSetSize=%d", peerID, state.remoteQ, theirSetSize)
}

// RespondToReconciliationRequest produces the serialized sketch answering
// the peer's pending reconciliation request.  It returns ok=false, without
// changing any state, when the peer is unregistered, is one we initiate
// with, has no pending request, or when the previous response to the peer
// was less than ReconResponseInterval ago.
//
// When either side's set is empty the returned sketch bytes are empty: the
// peer will terminate the round early and fall back to flooding-style
// announcement.  The round still advances to the responded phase.
func (t *Tracker) RespondToReconciliationRequest(peerID uint64,
	now time.Time) ([]byte, bool) {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok || state.weInitiate {
		return nil, false
	}

	if state.phaseByThem != phaseInitRequested ||
		!state.considerInitResponseAndTrack(now) {

		return nil, false
	}

	var skdata []byte
	capacity := uint32(0)
	if state.remoteSetSize > 0 && len(state.localSet) > 0 {
		capacity = state.estimateSketchCapacity(len(state.localSet))
		if sk := state.computeSketch(capacity); sk != nil {
			skdata = sk.Serialize()
		}
	}

	state.phaseByThem = phaseInitResponded

	log.Debugf("Responding to reconciliation initiated by peer=%d with a "+
		"sketch of capacity=%d", peerID, capacity)
	return skdata, true
}

// ForgetPeer removes all reconciliation state of the peer: its salt, its
// per-peer state, and any round-robin queue entry.  After this the peer can
// no longer reconcile with us (until pre-registered again).
func (t *Tracker) ForgetPeer(peerID uint64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	_, hadSalt := t.localSalts[peerID]
	_, hadState := t.states[peerID]
	delete(t.localSalts, peerID)
	delete(t.states, peerID)

	for i, id := range t.queue {
		if id == peerID {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}

	if hadSalt || hadState {
		log.Debugf("Forgot reconciliation state of peer=%d", peerID)
	}
}

// IsPeerRegistered returns whether the peer completed registration and can
// reconcile with us.
func (t *Tracker) IsPeerRegistered(peerID uint64) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	_, ok := t.states[peerID]
	return ok
}

// GetPeerSetSize returns the size of the peer's reconciliation set, or
// ok=false if the peer is not registered.
func (t *Tracker) GetPeerSetSize(peerID uint64) (int, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok {
		return 0, false
	}
	return len(state.localSet), true
}

// CurrentlyReconcilingTx returns whether the given wtxid is in the peer's
// reconciliation set, meaning it will be announced through the next round
// rather than needing a direct announcement.
func (t *Tracker) CurrentlyReconcilingTx(peerID uint64,
	wtxid chainhash.Hash) bool {

	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok {
		return false
	}
	_, ok = state.localSet[wtxid]
	return ok
}

// ShouldFloodTo returns whether the given transaction should be announced to
// the peer directly (flooded) instead of waiting for reconciliation.  Within
// each role class (peers we initiate with, peers we respond to), roughly one
// in 1/fraction peers is chosen per transaction, selected deterministically
// from the salted transaction hash and the peer's rank among the class
// ordered by peer id.
func (t *Tracker) ShouldFloodTo(wtxid chainhash.Hash, peerID uint64) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	state, ok := t.states[peerID]
	if !ok {
		return false
	}

	// We initiate rounds with our outbound peers and respond to our
	// inbound ones, so the peer's weInitiate flag picks its class.
	var (
		eligible []uint64
		fraction float64
	)
	if state.weInitiate {
		fraction = OutboundFanoutDestinationsFraction
	} else {
		fraction = InboundFanoutDestinationsFraction
	}
	for id, s := range t.states {
		if s.weInitiate == state.weInitiate {
			eligible = append(eligible, id)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i] < eligible[j]
	})

	peerIndex := sort.Search(len(eligible), func(i int) bool {
		return eligible[i] >= peerID
	})

	modulo := uint64(1/fraction + 0.5)
	return t.txidHasher.hash(&wtxid)%modulo == uint64(peerIndex)%modulo
}
