// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSinglePeerHappyPath walks one announcement through its full lifecycle
// with a single peer: delayed, requestable, requested, answered.
func TestSinglePeerHappyPath(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	txid := NewTxID(hashN(1))

	tr.ReceivedInv(1, txid, true, false, tp(10))

	// Not requestable before its reqtime.
	require.Empty(t, tr.GetRequestable(1, tp(9)))
	require.NoError(t, tr.TimeSanityCheck(tp(9)))

	// Requestable exactly at its reqtime.
	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(1, tp(10)))

	require.NoError(t, tr.RequestedTx(1, txid, tp(30)))
	require.Equal(t, 1, tr.CountInFlight(1))

	// Not offered again while the request is outstanding.
	require.Empty(t, tr.GetRequestable(1, tp(20)))

	// The transaction arrives.  No other announcers remain, so the
	// txhash is forgotten entirely.
	tr.ReceivedResponse(1, txid)
	require.Equal(t, 0, tr.CountInFlight(1))
	require.Equal(t, 0, tr.Size())
	require.Empty(t, tr.GetRequestable(1, tp(20)))
}

// TestFailoverOnTimeout verifies that when the selected peer's request times
// out, the next announcer takes over.
func TestFailoverOnTimeout(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	txid := NewTxID(hashN(1))

	tr.ReceivedInv(1, txid, true, false, tp(10))
	tr.ReceivedInv(2, txid, true, false, tp(10))

	// Peer 1 announced first within the preferred class, so it carries
	// the first marker and wins the tie.
	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(1, tp(10)))
	require.Empty(t, tr.GetRequestable(2, tp(10)))

	require.NoError(t, tr.RequestedTx(1, txid, tp(30)))

	// Past the expiry time, peer 1's request has failed and peer 2 takes
	// over.
	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(2, tp(40)))
	require.Equal(t, 0, tr.CountInFlight(1))
	require.Equal(t, 1, tr.CountTracked(1))
}

// TestPreferredBeatsNonPreferred verifies that a preferred announcer is
// always selected over a non-preferred one, even when the non-preferred one
// announced first.
func TestPreferredBeatsNonPreferred(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	txid := NewTxID(hashN(1))

	tr.ReceivedInv(1, txid, false, false, tp(5))
	tr.ReceivedInv(2, txid, true, false, tp(5))

	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(2, tp(5)))
	require.Empty(t, tr.GetRequestable(1, tp(5)))
}

// TestForgetOnDelete verifies that deleting the peer with the in-flight
// request immediately hands the transaction to the next announcer, without
// waiting for the request to time out.
func TestForgetOnDelete(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	txid := NewTxID(hashN(1))

	tr.ReceivedInv(1, txid, true, false, tp(10))
	tr.ReceivedInv(2, txid, true, false, tp(10))
	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(1, tp(10)))
	require.NoError(t, tr.RequestedTx(1, txid, tp(30)))

	tr.DeletedPeer(1)
	require.Equal(t, 0, tr.CountTracked(1))

	// Peer 2 becomes the selected candidate right away.
	require.Equal(t, []GenTxID{txid}, tr.GetRequestable(2, tp(11)))
}
