// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txreconciliation tracks per-peer Erlay (BIP 330) set-reconciliation
state for a transaction relay node.

Instead of announcing every transaction to every peer, a node using
reconciliation adds the wtxids it would relay to a per-peer set.  Pairs of
peers then periodically exchange compact sketches of their sets and announce
only the difference.  This package keeps the bookkeeping for that protocol:

  - the two-step registration handshake (PreRegisterPeer, RegisterPeer) with
    per-connection salt derivation,
  - the per-peer reconciliation sets and round phases,
  - a round-robin queue of peers we initiate reconciliation rounds with, and
  - the deterministic choice of which peers still receive a transaction by
    direct flooding (ShouldFloodTo).

The Tracker performs no I/O and reads no clocks; the caller supplies the
current time to the methods that need it.  All methods are safe for
concurrent use.
*/
package txreconciliation
