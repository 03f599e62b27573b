// Package cipher wraps the homomorphic primitives the engine computes
// with. The engine never sees plaintext: values enter as externally
// encrypted ciphertext+proof pairs, are combined through Suite, and leave
// only through the decrypt oracle, which enforces grant-based access.
//
// Suite is the seam to a real coprocessor; SealedSuite is the in-process
// implementation used for local deployments and tests.
package cipher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Ciphertext is an opaque handle to an encrypted value. Handles are
// re-randomized by every operation: the handle produced by Select carries
// no information about which branch it came from.
type Ciphertext []byte

// EncAmount is a ciphertext carrying an unsigned 64-bit quantity.
type EncAmount struct {
	C Ciphertext
}

// EncBool is a ciphertext carrying a boolean.
type EncBool struct {
	C Ciphertext
}

// Key returns the stable lookup key for a handle, used by the grant table.
func (c Ciphertext) Key() string {
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:])
}

// Hex returns the handle in 0x-prefixed hex for API responses.
func (c Ciphertext) Hex() string { return hexutil.Encode(c) }

// Suite evaluates homomorphic operations over ciphertext handles. All
// operations are pure: they never decrypt and never retain references to
// their inputs. Errors indicate malformed handles, not value conditions.
type Suite interface {
	// IngestAmount verifies an externally produced ciphertext+proof pair
	// and returns a handle the engine may compute with.
	IngestAmount(raw, proof []byte) (EncAmount, error)

	// EncryptConst produces a handle for a public constant, used to seed
	// lazily created balances with zero.
	EncryptConst(v uint64) (EncAmount, error)

	Add(a, b EncAmount) (EncAmount, error)
	Sub(a, b EncAmount) (EncAmount, error)
	Mul(a, b EncAmount) (EncAmount, error)

	// MulPlainRatio scales a by num/den with the integer division folded
	// into the circuit. Fee computation uses it with den = 10000 (bps).
	MulPlainRatio(a EncAmount, num, den uint64) (EncAmount, error)

	Ge(a, b EncAmount) (EncBool, error)
	Le(a, b EncAmount) (EncBool, error)
	Eq(a, b EncAmount) (EncBool, error)

	And(a, b EncBool) (EncBool, error)
	Or(a, b EncBool) (EncBool, error)
	Not(a EncBool) (EncBool, error)

	// Select is the branchless multiplexer: every conditional effect in
	// the engine is expressed as Select(cond, applied, unchanged).
	Select(cond EncBool, ifTrue, ifFalse EncAmount) (EncAmount, error)
}
