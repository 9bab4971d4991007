// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txreconciliation

// AssertError identifies an error that indicates an internal code
// consistency issue and should be treated as a critical and unrecoverable
// error.  It is returned when a caller violates a documented precondition,
// such as pre-registering the same peer twice.
type AssertError string

// Error returns the assertion error as a human-readable string and satisfies
// the error interface.
func (e AssertError) Error() string {
	return "assertion failed: " + string(e)
}
