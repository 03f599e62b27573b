package cipher

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/pkg/models"
)

func newSuite(t *testing.T) (*SealedSuite, *Encryptor) {
	t.Helper()
	suite, err := NewSealedSuite([]byte("test-root-secret"))
	require.NoError(t, err)
	return suite, NewEncryptor(suite)
}

func encryptAmount(t *testing.T, enc *Encryptor, v uint64) ([]byte, []byte) {
	t.Helper()
	raw, proof, err := enc.EncryptAmount(v)
	require.NoError(t, err)
	return raw, proof
}

func TestIngestRejectsBadProof(t *testing.T) {
	suite, enc := newSuite(t)
	raw, proof := encryptAmount(t, enc, 42)

	_, err := suite.IngestAmount(raw, []byte("forged"))
	assert.Error(t, err)

	tampered := append([]byte{}, proof...)
	tampered[0] ^= 0xff
	_, err = suite.IngestAmount(raw, tampered)
	assert.Error(t, err)

	_, err = suite.IngestAmount(raw, proof)
	assert.NoError(t, err)
}

func TestIngestRejectsForeignCiphertext(t *testing.T) {
	suite, _ := newSuite(t)
	other, err := NewSealedSuite([]byte("different-root"))
	require.NoError(t, err)

	raw, proof, err := NewEncryptor(other).EncryptAmount(7)
	require.NoError(t, err)

	_, err = suite.IngestAmount(raw, proof)
	assert.Error(t, err)
}

func TestArithmetic(t *testing.T) {
	suite, enc := newSuite(t)

	ingest := func(v uint64) EncAmount {
		raw, proof := encryptAmount(t, enc, v)
		ea, err := suite.IngestAmount(raw, proof)
		require.NoError(t, err)
		return ea
	}
	open := func(ea EncAmount) uint64 {
		v, err := suite.OpenAmount(ea.C)
		require.NoError(t, err)
		return v
	}

	a, b := ingest(100), ingest(30)

	sum, err := suite.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(130), open(sum))

	diff, err := suite.Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), open(diff))

	prod, err := suite.Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), open(prod))

	scaled, err := suite.MulPlainRatio(a, 25, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), open(scaled)) // 100*25/10000 floors to 0

	scaled, err = suite.MulPlainRatio(prod, 25, 10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), open(scaled))

	_, err = suite.MulPlainRatio(a, 1, 0)
	assert.Error(t, err)
}

func TestComparisonsAndSelect(t *testing.T) {
	suite, _ := newSuite(t)

	a, err := suite.EncryptConst(10)
	require.NoError(t, err)
	b, err := suite.EncryptConst(20)
	require.NoError(t, err)

	ge, err := suite.Ge(a, b)
	require.NoError(t, err)
	v, err := suite.OpenBool(ge.C)
	require.NoError(t, err)
	assert.False(t, v)

	le, err := suite.Le(a, b)
	require.NoError(t, err)
	v, err = suite.OpenBool(le.C)
	require.NoError(t, err)
	assert.True(t, v)

	picked, err := suite.Select(le, a, b)
	require.NoError(t, err)
	got, err := suite.OpenAmount(picked.C)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got)

	picked, err = suite.Select(ge, a, b)
	require.NoError(t, err)
	got, err = suite.OpenAmount(picked.C)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got)
}

// Handles must be re-randomized: selecting the unchanged branch still
// yields a fresh handle, so observers cannot tell a no-op from an update.
func TestSelectProducesFreshHandles(t *testing.T) {
	suite, _ := newSuite(t)

	a, err := suite.EncryptConst(5)
	require.NoError(t, err)
	b, err := suite.EncryptConst(9)
	require.NoError(t, err)
	cond, err := suite.Ge(a, b)
	require.NoError(t, err)

	kept, err := suite.Select(cond, a, b)
	require.NoError(t, err)
	assert.NotEqual(t, b.C.Key(), kept.C.Key())

	v, err := suite.OpenAmount(kept.C)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
}

func TestBoolAmountDomainsAreSeparate(t *testing.T) {
	suite, _ := newSuite(t)

	a, err := suite.EncryptConst(1)
	require.NoError(t, err)
	_, err = suite.OpenBool(a.C)
	assert.Error(t, err)

	b, err := suite.EncryptConst(2)
	require.NoError(t, err)
	cond, err := suite.Eq(a, b)
	require.NoError(t, err)
	_, err = suite.OpenAmount(cond.C)
	assert.Error(t, err)
}

func TestOracleEnforcesGrants(t *testing.T) {
	suite, _ := newSuite(t)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.AccessGrant{}))

	oracle := NewOracle(zap.NewNop(), db, suite)

	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger := common.HexToAddress("0x2222222222222222222222222222222222222222")

	amount, err := suite.EncryptConst(77)
	require.NoError(t, err)
	require.NoError(t, Allow(db, amount, owner))

	v, err := oracle.DecryptAmount(context.Background(), amount.C, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), v)

	_, err = oracle.DecryptAmount(context.Background(), amount.C, stranger)
	assert.Error(t, err)

	// double grant is a no-op
	require.NoError(t, Allow(db, amount, owner))
	v, err = oracle.DecryptAmount(context.Background(), amount.C, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), v)
}
