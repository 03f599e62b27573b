package cipher

// Encryptor produces ciphertext+proof pairs the way the client-side
// library does. It exists for tests and the dev encrypt endpoint; real
// callers encrypt outside the engine and submit the resulting pair.
type Encryptor struct {
	suite *SealedSuite
}

// NewEncryptor returns an encryptor bound to the suite's root secret.
func NewEncryptor(suite *SealedSuite) *Encryptor {
	return &Encryptor{suite: suite}
}

// EncryptAmount encrypts v and returns the raw ciphertext and its input
// proof, ready for IngestAmount.
func (e *Encryptor) EncryptAmount(v uint64) (raw, proof []byte, err error) {
	ea, err := e.suite.sealAmount(v)
	if err != nil {
		return nil, nil, err
	}
	return ea.C, e.suite.proof(ea.C), nil
}
