// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ComputeSalt combines the two sides' 64-bit salt contributions into the
// full 256-bit per-connection salt specified by BIP 330:
//
//	TaggedHash("Tx Relay Salting" || min(a, b) || max(a, b))
//
// where the salts are serialized as 64-bit little-endian integers.  Sorting
// the contributions first makes the result symmetric, so both peers derive
// the same salt regardless of which side contributed which value.
func ComputeSalt(localSalt, remoteSalt uint64) chainhash.Hash {
	salt1, salt2 := localSalt, remoteSalt
	if salt1 > salt2 {
		salt1, salt2 = salt2, salt1
	}

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], salt1)
	binary.LittleEndian.PutUint64(buf[8:], salt2)
	return *chainhash.TaggedHash([]byte(ReconStaticSalt), buf[:])
}

// shortIDKeys extracts the two 64-bit SipHash keys for short-id computation
// from the full salt: its first two little-endian limbs.
func shortIDKeys(salt *chainhash.Hash) (uint64, uint64) {
	k0 := binary.LittleEndian.Uint64(salt[0:8])
	k1 := binary.LittleEndian.Uint64(salt[8:16])
	return k0, k1
}

// randUint64 returns a cryptographically random 64-bit salt contribution.
// Per-peer salts are random to keep network nodes of the same physical node
// unlinkable, and to prevent an attacker from grinding short-id collisions
// that would halt relay of targeted transactions.
func randUint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("txreconciliation: failed to read random salt: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
