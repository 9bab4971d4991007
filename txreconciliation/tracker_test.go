// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// wtxidN returns a synthetic wtxid 0x00..0n.
func wtxidN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[chainhash.HashSize-1] = n
	return h
}

// tp returns a timepoint at the given second offset.
func tp(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// registerPeer runs the full two-step handshake for a peer and fails the
// test if any step misbehaves.
func registerPeer(t *testing.T, tr *Tracker, peerID uint64, inbound bool) {
	t.Helper()

	weInitiate, weRespond, version, localSalt, err :=
		tr.PreRegisterPeer(peerID, inbound)
	require.NoError(t, err)
	require.Equal(t, !inbound, weInitiate)
	require.Equal(t, inbound, weRespond)
	require.Equal(t, ReconVersion, version)
	_ = localSalt

	ok := tr.RegisterPeer(peerID, inbound, inbound, !inbound, ReconVersion,
		0xdead0000+peerID)
	require.True(t, ok)
	require.True(t, tr.IsPeerRegistered(peerID))
}

// TestRegistrationHandshake covers the happy path of the two-step handshake
// and the one-shot nature of registration.
func TestRegistrationHandshake(t *testing.T) {
	t.Parallel()

	tr := New()

	weInitiate, weRespond, version, _, err := tr.PreRegisterPeer(7, true)
	require.NoError(t, err)
	require.False(t, weInitiate)
	require.True(t, weRespond)
	require.EqualValues(t, 1, version)
	require.False(t, tr.IsPeerRegistered(7))

	// The inbound peer initiates, we respond.
	require.True(t, tr.RegisterPeer(7, true, true, false, 1, 0xbeef))
	require.True(t, tr.IsPeerRegistered(7))

	// Registration is one-shot.
	require.False(t, tr.RegisterPeer(7, true, true, false, 1, 0xbeef))

	// Pre-registration is one-shot too.
	_, _, _, _, err = tr.PreRegisterPeer(7, true)
	require.Error(t, err)
	require.IsType(t, AssertError(""), err)
}

// TestRegisterPeerProtocolViolations verifies every rejection path of
// RegisterPeer.
func TestRegisterPeerProtocolViolations(t *testing.T) {
	t.Parallel()

	tr := New()

	// Never pre-registered.
	require.False(t, tr.RegisterPeer(1, true, true, false, 1, 0xbeef))

	_, _, _, _, err := tr.PreRegisterPeer(1, true)
	require.NoError(t, err)

	// Version below the minimum.
	require.False(t, tr.RegisterPeer(1, true, true, false, 0, 0xbeef))

	// Both roles disclaimed by the peer.
	require.False(t, tr.RegisterPeer(1, true, false, false, 1, 0xbeef))

	// Role claims that do not line up with the connection direction: the
	// inbound peer offers only to respond, but we respond too.
	require.False(t, tr.RegisterPeer(1, true, false, true, 1, 0xbeef))

	// A future version is downgraded to ours rather than rejected.
	require.True(t, tr.RegisterPeer(1, true, true, false, 2, 0xbeef))
}

// TestComputeSaltSymmetry verifies that both peers derive the same combined
// salt regardless of which side contributed which value.
func TestComputeSaltSymmetry(t *testing.T) {
	t.Parallel()

	tests := []struct{ a, b uint64 }{
		{0, 0},
		{1, 0},
		{0xdeadbeef, 0xcafe},
		{^uint64(0), 1},
		{0x0102030405060708, 0x0807060504030201},
	}
	for _, test := range tests {
		ab := ComputeSalt(test.a, test.b)
		ba := ComputeSalt(test.b, test.a)
		require.Equal(t, ab, ba)
	}

	// Different inputs produce different salts.
	require.NotEqual(t, ComputeSalt(1, 2), ComputeSalt(1, 3))
}

// TestReconSetMaintenance covers AddToReconSet, TryRemovingFromReconSet,
// GetPeerSetSize, and CurrentlyReconcilingTx.
func TestReconSetMaintenance(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, true)

	// Precondition violations.
	require.Error(t, tr.AddToReconSet(1, nil))
	require.Error(t, tr.AddToReconSet(99, []chainhash.Hash{wtxidN(1)}))

	require.NoError(t, tr.AddToReconSet(1, []chainhash.Hash{
		wtxidN(1), wtxidN(2),
	}))
	// Re-adding is idempotent.
	require.NoError(t, tr.AddToReconSet(1, []chainhash.Hash{wtxidN(2)}))

	size, ok := tr.GetPeerSetSize(1)
	require.True(t, ok)
	require.Equal(t, 2, size)

	require.True(t, tr.CurrentlyReconcilingTx(1, wtxidN(1)))
	require.False(t, tr.CurrentlyReconcilingTx(1, wtxidN(9)))
	require.False(t, tr.CurrentlyReconcilingTx(99, wtxidN(1)))

	// Removal is silent for unknown peers and absent wtxids.
	tr.TryRemovingFromReconSet(99, wtxidN(1))
	tr.TryRemovingFromReconSet(1, wtxidN(9))
	tr.TryRemovingFromReconSet(1, wtxidN(1))

	size, ok = tr.GetPeerSetSize(1)
	require.True(t, ok)
	require.Equal(t, 1, size)

	_, ok = tr.GetPeerSetSize(99)
	require.False(t, ok)
}

// TestMaybeRequestReconciliation exercises the round-robin queue and the
// global pacing timer.
func TestMaybeRequestReconciliation(t *testing.T) {
	t.Parallel()

	tr := New()

	// Unregistered peer, empty queue.
	_, _, ok := tr.MaybeRequestReconciliation(1, tp(100))
	require.False(t, ok)

	// Two outbound peers we initiate with.
	registerPeer(t, tr, 1, false)
	registerPeer(t, tr, 2, false)

	// Not peer 2's turn: peer 1 is at the queue front.
	_, _, ok = tr.MaybeRequestReconciliation(2, tp(100))
	require.False(t, ok)

	setSize, qScaled, ok := tr.MaybeRequestReconciliation(1, tp(100))
	require.True(t, ok)
	require.EqualValues(t, 0, setSize)
	require.EqualValues(t, 8192, qScaled)

	// The timer now gates the next initiation: with two initiator peers
	// the next slot opens after half the request interval.
	_, _, ok = tr.MaybeRequestReconciliation(2, tp(100))
	require.False(t, ok)
	_, _, ok = tr.MaybeRequestReconciliation(2,
		tp(100).Add(ReconRequestInterval/2))
	require.True(t, ok)

	// Peer 1 rotated to the front again, but it is still mid-round, so
	// its slot passes without a new request.
	_, _, ok = tr.MaybeRequestReconciliation(1,
		tp(100).Add(ReconRequestInterval))
	require.False(t, ok)
}

// TestMaybeRequestReconciliationSetSize verifies that the initiation
// announces the current reconciliation set size.
func TestMaybeRequestReconciliationSetSize(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, false)
	require.NoError(t, tr.AddToReconSet(1, []chainhash.Hash{
		wtxidN(1), wtxidN(2), wtxidN(3),
	}))

	setSize, _, ok := tr.MaybeRequestReconciliation(1, tp(100))
	require.True(t, ok)
	require.EqualValues(t, 3, setSize)
}

// TestHandleAndRespondToReconciliationRequest exercises the responder side:
// phase bookkeeping, the DoS throttle, and sketch production.
func TestHandleAndRespondToReconciliationRequest(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, true) // inbound: they initiate, we respond

	// Nothing pending yet.
	_, ok := tr.RespondToReconciliationRequest(1, tp(100))
	require.False(t, ok)

	// Requests towards unknown peers, or peers we initiate with, are
	// dropped.
	tr.HandleReconciliationRequest(99, 5, 8192)
	registerPeer(t, tr, 2, false)
	tr.HandleReconciliationRequest(2, 5, 8192)
	_, ok = tr.RespondToReconciliationRequest(2, tp(100))
	require.False(t, ok)

	// Empty local set: the response succeeds with an empty sketch, so the
	// peer falls back to flooding.
	tr.HandleReconciliationRequest(1, 5, 8192)
	skdata, ok := tr.RespondToReconciliationRequest(1, tp(100))
	require.True(t, ok)
	require.Empty(t, skdata)

	// The round advanced, so answering again has nothing to respond to.
	_, ok = tr.RespondToReconciliationRequest(1, tp(200))
	require.False(t, ok)
}

// TestRespondThrottle verifies the minimum interval between responses to the
// same peer.
func TestRespondThrottle(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, true)

	tr.HandleReconciliationRequest(1, 5, 8192)
	_, ok := tr.RespondToReconciliationRequest(1, tp(100))
	require.True(t, ok)

	// Re-arm the pending request directly to isolate the throttle from
	// the phase bookkeeping.
	tr.states[1].phaseByThem = phaseInitRequested

	// Too soon after the previous response.
	_, ok = tr.RespondToReconciliationRequest(1,
		tp(100).Add(ReconResponseInterval/2))
	require.False(t, ok)

	// A throttled attempt must not have consumed the pending request.
	_, ok = tr.RespondToReconciliationRequest(1,
		tp(100).Add(ReconResponseInterval))
	require.True(t, ok)
}

// TestRespondProducesSketch verifies the sketch produced for non-empty sets
// on both sides: its size matches the capacity estimate, and the short-id
// mapping is cached for the follow-up round.
func TestRespondProducesSketch(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, true)
	require.NoError(t, tr.AddToReconSet(1, []chainhash.Hash{
		wtxidN(1), wtxidN(2), wtxidN(3), wtxidN(4),
	}))

	tr.HandleReconciliationRequest(1, 4, 8192)
	skdata, ok := tr.RespondToReconciliationRequest(1, tp(100))
	require.True(t, ok)

	// diff estimate = 1 + |4-4| + round(0.25*4) = 2, plus one padding
	// element for the false positive bound: capacity 3, 4 bytes each.
	require.Len(t, skdata, 3*4)

	// The short-id mapping was cached for every set member.
	require.Len(t, tr.states[1].shortIDMap, 4)
}

// TestForgetPeer verifies that all state disappears and the peer drops out
// of the initiation queue.
func TestForgetPeer(t *testing.T) {
	t.Parallel()

	tr := New()
	registerPeer(t, tr, 1, false)
	registerPeer(t, tr, 2, false)
	require.NoError(t, tr.AddToReconSet(1, []chainhash.Hash{wtxidN(1)}))

	tr.ForgetPeer(1)
	require.False(t, tr.IsPeerRegistered(1))
	_, ok := tr.GetPeerSetSize(1)
	require.False(t, ok)

	// Peer 2 moves up to the queue front.
	_, _, ok = tr.MaybeRequestReconciliation(2, tp(100))
	require.True(t, ok)

	// Forgetting an unknown peer is harmless.
	tr.ForgetPeer(42)

	// The peer can go through the whole handshake again.
	registerPeer(t, tr, 1, false)
}

// TestShouldFloodTo verifies flood-peer selection: unregistered peers are
// never flooded to, the choice is deterministic, and with a full class of
// ten peers exactly one is selected per transaction.
func TestShouldFloodTo(t *testing.T) {
	t.Parallel()

	tr := New()
	require.False(t, tr.ShouldFloodTo(wtxidN(1), 99))

	// Ten outbound peers, all in the we-initiate class.
	for peer := uint64(1); peer <= 10; peer++ {
		registerPeer(t, tr, peer, false)
	}

	for n := byte(1); n <= 20; n++ {
		wtxid := wtxidN(n)

		flooded := 0
		for peer := uint64(1); peer <= 10; peer++ {
			if tr.ShouldFloodTo(wtxid, peer) {
				flooded++
			}
		}
		require.Equal(t, 1, flooded, "wtxid %d", n)

		// Determinism: repeated evaluation agrees.
		for peer := uint64(1); peer <= 10; peer++ {
			require.Equal(t, tr.ShouldFloodTo(wtxid, peer),
				tr.ShouldFloodTo(wtxid, peer))
		}
	}
}

// TestShouldFloodToClasses verifies that inbound and outbound peers are
// ranked within their own class only.
func TestShouldFloodToClasses(t *testing.T) {
	t.Parallel()

	tr := New()
	// Three peers we respond to, interleaved with two we initiate with.
	registerPeer(t, tr, 1, true)
	registerPeer(t, tr, 2, false)
	registerPeer(t, tr, 3, true)
	registerPeer(t, tr, 4, false)
	registerPeer(t, tr, 5, true)

	wtxid := wtxidN(7)

	// With fewer than ten peers per class, a transaction is flooded to at
	// most one peer per class, and the choice stays within the class.
	inbound, outbound := 0, 0
	for _, peer := range []uint64{1, 3, 5} {
		if tr.ShouldFloodTo(wtxid, peer) {
			inbound++
		}
	}
	for _, peer := range []uint64{2, 4} {
		if tr.ShouldFloodTo(wtxid, peer) {
			outbound++
		}
	}
	require.LessOrEqual(t, inbound, 1)
	require.LessOrEqual(t, outbound, 1)
}
