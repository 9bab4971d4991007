// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dchest/siphash"
)

// PriorityComputer computes the priority of a (txhash, peer) combination.
// Lower priorities are selected first.  The encoding is a single unsigned
// 64-bit integer:
//
//   - The top bit is set for non-preferred peers, so any preferred
//     announcement outranks any non-preferred one.
//   - Within a class, an announcement carrying the first marker has all
//     remaining bits zero, so it outranks every non-first announcement.
//   - Otherwise the remaining 63 bits are the upper bits of a salted
//     SipHash-2-4 of (txhash || peer), a fixed pseudorandom permutation per
//     txhash that an attacker cannot predict or influence.
//
// The salt is chosen once at construction and never changes, so priorities
// are stable for the lifetime of the Tracker.
type PriorityComputer struct {
	k0, k1 uint64
}

// newPriorityComputer returns a PriorityComputer with a freshly drawn random
// salt, or a zero salt when deterministic is true (used by tests that need
// reproducible tie-breaking).
func newPriorityComputer(deterministic bool) PriorityComputer {
	if deterministic {
		return PriorityComputer{}
	}
	return PriorityComputer{k0: randUint64(), k1: randUint64()}
}

// Priority returns the priority of the given announcement parameters.  Lower
// values win.
func (c PriorityComputer) Priority(txHash *chainhash.Hash, peer uint64,
	preferred, first bool) uint64 {

	var lowBits uint64
	if !first {
		var buf [chainhash.HashSize + 8]byte
		copy(buf[:], txHash[:])
		binary.LittleEndian.PutUint64(buf[chainhash.HashSize:], peer)
		lowBits = siphash.Hash(c.k0, c.k1, buf[:]) >> 1
	}
	if !preferred {
		lowBits |= 1 << 63
	}
	return lowBits
}

// randUint64 returns a cryptographically random 64-bit value.  The salt must
// not be predictable by peers, or they could grind txhashes that always win
// the tie-break against honest announcers.
func randUint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("txrequest: failed to read random salt: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
