package cipher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/metrics"
)

// payload type tags, sealed alongside the value so amount and boolean
// handles cannot be confused across operations
const (
	tagAmount byte = 0x01
	tagBool   byte = 0x02
)

const proofSize = sha256.Size

// SealedSuite implements Suite by sealing plaintexts under an AEAD derived
// from a root secret. It mirrors the mocked-coprocessor model: handles are
// indistinguishable ciphertexts to every caller, and only the oracle
// (holding the same root secret) can open them. A production deployment
// replaces it with a coprocessor-backed Suite.
type SealedSuite struct {
	sealKey  []byte
	proofKey []byte
}

// NewSealedSuite derives the sealing and proof keys from the root secret.
func NewSealedSuite(rootSecret []byte) (*SealedSuite, error) {
	if len(rootSecret) == 0 {
		return nil, errors.New(errors.KindInvalid, "empty cipher root secret")
	}
	kdf := hkdf.New(sha256.New, rootSecret, nil, []byte("veildesk/cipher/v1"))
	sealKey := make([]byte, chacha20poly1305.KeySize)
	proofKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, sealKey); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "derive seal key", err)
	}
	if _, err := io.ReadFull(kdf, proofKey); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "derive proof key", err)
	}
	return &SealedSuite{sealKey: sealKey, proofKey: proofKey}, nil
}

func (s *SealedSuite) seal(tag byte, payload []byte) (Ciphertext, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "init aead", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "nonce", err)
	}
	msg := append([]byte{tag}, payload...)
	return Ciphertext(append(nonce, aead.Seal(nil, nonce, msg, nil)...)), nil
}

func (s *SealedSuite) open(tag byte, c Ciphertext) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.sealKey)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "init aead", err)
	}
	if len(c) < aead.NonceSize() {
		return nil, errors.New(errors.KindInvalid, "short ciphertext handle")
	}
	msg, err := aead.Open(nil, c[:aead.NonceSize()], c[aead.NonceSize():], nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalid, "malformed ciphertext handle", err)
	}
	if len(msg) < 1 || msg[0] != tag {
		return nil, errors.New(errors.KindInvalid, "ciphertext type mismatch")
	}
	return msg[1:], nil
}

func (s *SealedSuite) sealAmount(v uint64) (EncAmount, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	c, err := s.seal(tagAmount, buf[:])
	if err != nil {
		return EncAmount{}, err
	}
	return EncAmount{C: c}, nil
}

func (s *SealedSuite) sealBool(v bool) (EncBool, error) {
	b := byte(0)
	if v {
		b = 1
	}
	c, err := s.seal(tagBool, []byte{b})
	if err != nil {
		return EncBool{}, err
	}
	return EncBool{C: c}, nil
}

// OpenAmount recovers the plaintext quantity behind a handle. Only the
// oracle calls it, after checking grants.
func (s *SealedSuite) OpenAmount(c Ciphertext) (uint64, error) {
	msg, err := s.open(tagAmount, c)
	if err != nil {
		return 0, err
	}
	if len(msg) != 8 {
		return 0, errors.New(errors.KindInvalid, "bad amount payload")
	}
	return binary.BigEndian.Uint64(msg), nil
}

// OpenBool recovers the plaintext boolean behind a handle.
func (s *SealedSuite) OpenBool(c Ciphertext) (bool, error) {
	msg, err := s.open(tagBool, c)
	if err != nil {
		return false, err
	}
	if len(msg) != 1 {
		return false, errors.New(errors.KindInvalid, "bad bool payload")
	}
	return msg[0] == 1, nil
}

func (s *SealedSuite) proof(raw []byte) []byte {
	mac := hmac.New(sha256.New, s.proofKey)
	mac.Write([]byte("veildesk/input-proof/v1"))
	mac.Write(raw)
	return mac.Sum(nil)
}

// IngestAmount verifies the input proof and that the ciphertext is a
// well-formed amount, then admits the handle.
func (s *SealedSuite) IngestAmount(raw, proof []byte) (EncAmount, error) {
	defer observe("ingest")()
	if len(proof) != proofSize || !hmac.Equal(proof, s.proof(raw)) {
		return EncAmount{}, errors.New(errors.KindProofInvalid, "input proof rejected")
	}
	if _, err := s.OpenAmount(Ciphertext(raw)); err != nil {
		return EncAmount{}, errors.Wrap(errors.KindProofInvalid, "ciphertext not well-formed", err)
	}
	return EncAmount{C: Ciphertext(raw)}, nil
}

// EncryptConst seals a public constant.
func (s *SealedSuite) EncryptConst(v uint64) (EncAmount, error) {
	defer observe("encrypt_const")()
	return s.sealAmount(v)
}

func (s *SealedSuite) binOp(name string, a, b EncAmount, f func(x, y uint64) uint64) (EncAmount, error) {
	defer observe(name)()
	x, err := s.OpenAmount(a.C)
	if err != nil {
		return EncAmount{}, err
	}
	y, err := s.OpenAmount(b.C)
	if err != nil {
		return EncAmount{}, err
	}
	return s.sealAmount(f(x, y))
}

func (s *SealedSuite) cmpOp(name string, a, b EncAmount, f func(x, y uint64) bool) (EncBool, error) {
	defer observe(name)()
	x, err := s.OpenAmount(a.C)
	if err != nil {
		return EncBool{}, err
	}
	y, err := s.OpenAmount(b.C)
	if err != nil {
		return EncBool{}, err
	}
	return s.sealBool(f(x, y))
}

// Add returns a+b. Arithmetic is modulo 2^64, as in the coprocessor's
// unsigned 64-bit domain; callers guard underflow with Select.
func (s *SealedSuite) Add(a, b EncAmount) (EncAmount, error) {
	return s.binOp("add", a, b, func(x, y uint64) uint64 { return x + y })
}

// Sub returns a-b modulo 2^64.
func (s *SealedSuite) Sub(a, b EncAmount) (EncAmount, error) {
	return s.binOp("sub", a, b, func(x, y uint64) uint64 { return x - y })
}

// Mul returns a*b modulo 2^64.
func (s *SealedSuite) Mul(a, b EncAmount) (EncAmount, error) {
	return s.binOp("mul", a, b, func(x, y uint64) uint64 { return x * y })
}

// MulPlainRatio returns a*num/den with integer division.
func (s *SealedSuite) MulPlainRatio(a EncAmount, num, den uint64) (EncAmount, error) {
	defer observe("mul_plain_ratio")()
	if den == 0 {
		return EncAmount{}, errors.New(errors.KindInvalid, "zero ratio denominator")
	}
	x, err := s.OpenAmount(a.C)
	if err != nil {
		return EncAmount{}, err
	}
	return s.sealAmount(x * num / den)
}

func (s *SealedSuite) Ge(a, b EncAmount) (EncBool, error) {
	return s.cmpOp("ge", a, b, func(x, y uint64) bool { return x >= y })
}

func (s *SealedSuite) Le(a, b EncAmount) (EncBool, error) {
	return s.cmpOp("le", a, b, func(x, y uint64) bool { return x <= y })
}

func (s *SealedSuite) Eq(a, b EncAmount) (EncBool, error) {
	return s.cmpOp("eq", a, b, func(x, y uint64) bool { return x == y })
}

func (s *SealedSuite) boolOp(name string, a, b EncBool, f func(x, y bool) bool) (EncBool, error) {
	defer observe(name)()
	x, err := s.OpenBool(a.C)
	if err != nil {
		return EncBool{}, err
	}
	y, err := s.OpenBool(b.C)
	if err != nil {
		return EncBool{}, err
	}
	return s.sealBool(f(x, y))
}

func (s *SealedSuite) And(a, b EncBool) (EncBool, error) {
	return s.boolOp("and", a, b, func(x, y bool) bool { return x && y })
}

func (s *SealedSuite) Or(a, b EncBool) (EncBool, error) {
	return s.boolOp("or", a, b, func(x, y bool) bool { return x || y })
}

func (s *SealedSuite) Not(a EncBool) (EncBool, error) {
	defer observe("not")()
	x, err := s.OpenBool(a.C)
	if err != nil {
		return EncBool{}, err
	}
	return s.sealBool(!x)
}

// Select returns ifTrue when cond holds, ifFalse otherwise. The result is
// a fresh handle either way; observers cannot tell which branch was taken.
func (s *SealedSuite) Select(cond EncBool, ifTrue, ifFalse EncAmount) (EncAmount, error) {
	defer observe("select")()
	c, err := s.OpenBool(cond.C)
	if err != nil {
		return EncAmount{}, err
	}
	t, err := s.OpenAmount(ifTrue.C)
	if err != nil {
		return EncAmount{}, err
	}
	f, err := s.OpenAmount(ifFalse.C)
	if err != nil {
		return EncAmount{}, err
	}
	v := f
	if c {
		v = t
	}
	return s.sealAmount(v)
}

var _ Suite = (*SealedSuite)(nil)

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.CipherOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
