// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txrequest schedules transaction downloads from peers in a
gossip-based relay network.

Many peers typically announce the same transaction.  The Tracker keeps one
announcement per (peer, txhash) pair and decides which peer to ask for which
transaction, when, and in what order, such that:

  - at most one request per txhash is in flight at a time,
  - requests are spread across peers, with preferred (outbound, whitelisted)
    peers winning ties against non-preferred ones,
  - a failed or timed-out request falls over to an alternative announcer, and
  - memory stays bounded by the set of active announcements.

Each announcement moves through the lifecycle

	CANDIDATE_DELAYED -> CANDIDATE_READY -> CANDIDATE_BEST -> REQUESTED -> COMPLETED

driven entirely by caller-supplied timestamps.  The Tracker never reads the
wall clock, never blocks, and runs no background goroutines; the caller pushes
time in through GetRequestable.  All methods are safe for concurrent use.

The typical call sequence for a consuming node is:

	tracker := txrequest.New(false)
	...
	// On inv:
	tracker.ReceivedInv(peer, gtxid, preferred, overloaded, reqtime)
	// On each peer's send slot:
	for _, gtxid := range tracker.GetRequestable(peer, now) {
		sendGetData(peer, gtxid)
		tracker.RequestedTx(peer, gtxid, now.Add(timeout))
	}
	// On tx or notfound:
	tracker.ReceivedResponse(peer, gtxid)
	// Once a transaction is accepted (or otherwise no longer wanted):
	tracker.AlreadyHaveTx(gtxid)
	// On disconnect:
	tracker.DeletedPeer(peer)
*/
package txrequest
