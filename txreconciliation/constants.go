// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

import "time"

// Protocol constants fixed by BIP 330.  These values must not change, or the
// node stops interoperating with other reconciliation-capable peers.
const (
	// ReconVersion is the currently supported reconciliation protocol
	// version.
	ReconVersion uint32 = 1

	// ReconStaticSalt is the static component of the tagged hash that
	// combines both sides' salt contributions into the short-id keys.
	ReconStaticSalt = "Tx Relay Salting"

	// QPrecision converts the floating point difference coefficient q to
	// an integer for transmission.
	QPrecision uint16 = (2 << 14) - 1

	// ReconQ is the coefficient used to estimate reconciliation set
	// differences.  It could be recomputed after every round based on
	// observed differences; a constant provides good enough results
	// without the recompute complexity, and it is still transmitted on
	// the wire to stay forward compatible with peers that make it
	// dynamic.
	ReconQ = 0.25

	// ReconFieldSize is the size in bits of the finite field sketches are
	// computed over, and therefore the size of a short transaction id.
	ReconFieldSize = 32

	// ReconFalsePositiveCoef bounds false-positive sketch decoding: an
	// overfull or garbage sketch appears to decode successfully with
	// probability at most 1 in 2^ReconFalsePositiveCoef.
	ReconFalsePositiveCoef = 16

	// MaxSketchCapacity limits the capacity of the sketches we produce,
	// bounding the work a peer can make us do with an inflated set-size
	// claim.
	MaxSketchCapacity uint32 = 2 << 12

	// ReconRequestInterval is the interval between the reconciliation
	// rounds we initiate, across all peers.  More frequent rounds would
	// spend their bandwidth savings on per-round metadata; less frequent
	// rounds would add relay latency.
	ReconRequestInterval = 8 * time.Second

	// ReconResponseInterval is the minimum interval between our responses
	// to reconciliation requests from the same peer.
	ReconResponseInterval = time.Second

	// InboundFanoutDestinationsFraction and
	// OutboundFanoutDestinationsFraction are the fractions of
	// reconciling inbound/outbound peers that still receive transaction
	// announcements by direct flooding.
	InboundFanoutDestinationsFraction  = 0.1
	OutboundFanoutDestinationsFraction = 0.1
)
