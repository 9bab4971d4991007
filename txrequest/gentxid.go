// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txrequest

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GenTxID is a transaction identifier tagged with the kind of hash it
// carries: a plain txid, or a wtxid committing to witness data as well (see
// BIP 339).  Announcements remember which kind they were made with so that
// requests can be reconstructed with the same kind.
type GenTxID struct {
	hash    chainhash.Hash
	isWtxid bool
}

// NewTxID returns a GenTxID referring to a transaction by its txid.
func NewTxID(hash chainhash.Hash) GenTxID {
	return GenTxID{hash: hash}
}

// NewWtxID returns a GenTxID referring to a transaction by its wtxid.
func NewWtxID(hash chainhash.Hash) GenTxID {
	return GenTxID{hash: hash, isWtxid: true}
}

// Hash returns the 32-byte transaction hash.
func (g GenTxID) Hash() chainhash.Hash {
	return g.hash
}

// IsWtxid returns whether the hash is a wtxid rather than a txid.
func (g GenTxID) IsWtxid() bool {
	return g.isWtxid
}

// String returns the identifier kind and hash in a human-readable form.
func (g GenTxID) String() string {
	if g.isWtxid {
		return "wtx " + g.hash.String()
	}
	return "tx " + g.hash.String()
}
