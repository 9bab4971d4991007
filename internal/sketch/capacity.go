// Copyright (c) 2021 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sketch implements the minisketch-equivalent set-reconciliation
// primitive that txreconciliation calls out to. No Go binding of minisketch
// exists to import, so this package implements the narrow surface the
// tracker actually needs (capacity estimation, Add, Serialize); decoding a
// combined sketch into the element-wise set difference happens on the peer
// side of a real reconciliation round and is out of scope here, same as the
// wire codec and socket I/O this repository never touches.
package sketch

// ComputeCapacity mirrors minisketch_compute_capacity(field, diff, fpCoef):
// given an estimated number of element-wise differences between two sets,
// and a desired false-positive exponent, it returns how many sketch "rows"
// are needed so that decoding garbage has probability at most 2^-fpCoef of
// appearing to succeed.
//
// Each additional row beyond the true difference count reduces the false
// positive probability by a further factor of 2^fieldBits, so the number of
// padding rows required is ceil(fpCoef / fieldBits).
func ComputeCapacity(fieldBits, diff, fpCoef uint32) uint32 {
	if diff == 0 {
		return 0
	}
	padding := (fpCoef + fieldBits - 1) / fieldBits
	return diff + padding
}
