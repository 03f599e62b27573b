package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/compliance"
	"github.com/veildesk/veildesk/internal/ledger"
	"github.com/veildesk/veildesk/internal/matching"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/internal/store"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/models"
)

var (
	buyer     = common.HexToAddress("0xb111000000000000000000000000000000000001")
	seller    = common.HexToAddress("0x5e11000000000000000000000000000000000002")
	collector = common.HexToAddress("0xfee0000000000000000000000000000000000003")
	baseAsset = common.HexToAddress("0xbace000000000000000000000000000000000004")
	quote     = common.HexToAddress("0xc001000000000000000000000000000000000005")
)

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	matching *matching.Service
	registry *registry.Service
	enc      *cipher.Encryptor
	oracle   *cipher.Oracle
}

func setup(t *testing.T, feeBps uint64) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	suite, err := cipher.NewSealedSuite([]byte("settlement-test-secret"))
	require.NoError(t, err)

	provider := compliance.NewRecordProvider(db)
	for _, p := range []common.Address{buyer, seller, collector} {
		require.NoError(t, provider.Attest(context.Background(), p, true))
	}
	gate := compliance.NewGate(zap.NewNop(), provider)

	led := ledger.NewService(zap.NewNop(), db, suite, gate)
	reg, err := registry.NewService(zap.NewNop(), db, suite, gate)
	require.NoError(t, err)
	mat := matching.NewService(zap.NewNop(), db, suite, gate, reg)

	cfg := Config{QuoteAsset: quote, FeeCollector: collector, FeeBps: feeBps}
	return &fixture{
		svc:      NewService(zap.NewNop(), db, suite, led, reg, mat, cfg),
		ledger:   led,
		matching: mat,
		registry: reg,
		enc:      cipher.NewEncryptor(suite),
		oracle:   cipher.NewOracle(zap.NewNop(), db, suite),
	}
}

func (f *fixture) deposit(t *testing.T, party, asset common.Address, v uint64) {
	t.Helper()
	raw, proof, err := f.enc.EncryptAmount(v)
	require.NoError(t, err)
	require.NoError(t, f.ledger.Deposit(context.Background(), party, asset, raw, proof))
}

func (f *fixture) balance(t *testing.T, party, asset common.Address) uint64 {
	t.Helper()
	ea, err := f.ledger.Get(context.Background(), party, asset)
	require.NoError(t, err)
	v, err := f.oracle.DecryptAmount(context.Background(), ea.C, party)
	require.NoError(t, err)
	return v
}

func (f *fixture) order(t *testing.T, owner common.Address, side string, amount, price, minFill uint64) uint64 {
	t.Helper()
	p := registry.CreateParams{
		Owner:      owner,
		Asset:      baseAsset,
		Side:       side,
		Expiration: time.Now().Add(time.Hour),
	}
	var err error
	p.Amount, p.AmountProof, err = f.enc.EncryptAmount(amount)
	require.NoError(t, err)
	p.Price, p.PriceProof, err = f.enc.EncryptAmount(price)
	require.NoError(t, err)
	p.MinFill, p.MinFillProof, err = f.enc.EncryptAmount(minFill)
	require.NoError(t, err)

	id, err := f.registry.Create(context.Background(), p)
	require.NoError(t, err)
	return id
}

func (f *fixture) match(t *testing.T, buyID, sellID, fill uint64) uint64 {
	t.Helper()
	raw, proof, err := f.enc.EncryptAmount(fill)
	require.NoError(t, err)
	id, err := f.matching.Match(context.Background(), buyID, sellID, raw, proof)
	require.NoError(t, err)
	return id
}

func (f *fixture) effective(t *testing.T, matchID uint64, party common.Address) bool {
	t.Helper()
	m, err := f.matching.Get(context.Background(), matchID)
	require.NoError(t, err)
	v, err := f.oracle.DecryptBool(context.Background(), m.Effective, party)
	require.NoError(t, err)
	return v
}

// Fee 25 bps on notional 500 (price 10, fill 50) is 1 after flooring:
// buyer pays 501 quote, seller receives 499 quote and ships 50 base,
// collector collects both sides' fees.
func TestSettleMovesValue(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 200)

	buyID := f.order(t, buyer, models.OrderSideBuy, 100, 12, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 100, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.True(t, f.effective(t, matchID, buyer))
	assert.True(t, f.effective(t, matchID, seller))

	assert.Equal(t, uint64(499), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(499), f.balance(t, seller, quote))
	assert.Equal(t, uint64(2), f.balance(t, collector, quote))
	assert.Equal(t, uint64(150), f.balance(t, seller, baseAsset))
	assert.Equal(t, uint64(50), f.balance(t, buyer, baseAsset))

	m, err := f.matching.Get(ctx, matchID)
	require.NoError(t, err)
	assert.True(t, m.Settled)
	require.NotNil(t, m.SettledAt)
}

func TestSettleZeroFee(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 500)
	f.deposit(t, seller, baseAsset, 50)

	buyID := f.order(t, buyer, models.OrderSideBuy, 50, 10, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 50, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.True(t, f.effective(t, matchID, buyer))
	assert.Equal(t, uint64(0), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(500), f.balance(t, seller, quote))
	assert.Equal(t, uint64(0), f.balance(t, collector, quote))
}

func TestSettleFeeOverride(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 100)

	buyID := f.order(t, buyer, models.OrderSideBuy, 50, 10, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 50, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	raw, proof, err := f.enc.EncryptAmount(7)
	require.NoError(t, err)
	require.NoError(t, f.svc.Settle(ctx, matchID, &FeeOverride{Raw: raw, Proof: proof}))

	assert.True(t, f.effective(t, matchID, buyer))
	assert.Equal(t, uint64(493), f.balance(t, buyer, quote))  // 1000 - (500+7)
	assert.Equal(t, uint64(493), f.balance(t, seller, quote)) // 500 - 7
	assert.Equal(t, uint64(14), f.balance(t, collector, quote))
}

// A fee override above the notional would wrap the seller's unsigned
// proceeds and mint value out of nothing. The settlement must record
// effective=false and move no funds.
func TestSettleFeeOverrideExceedsNotional(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 11)
	f.deposit(t, seller, baseAsset, 1)

	// notional = price 1 x fill 1 = 1, override fee 10
	buyID := f.order(t, buyer, models.OrderSideBuy, 1, 1, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 1, 1, 1)
	matchID := f.match(t, buyID, sellID, 1)

	raw, proof, err := f.enc.EncryptAmount(10)
	require.NoError(t, err)
	require.NoError(t, f.svc.Settle(ctx, matchID, &FeeOverride{Raw: raw, Proof: proof}))

	assert.False(t, f.effective(t, matchID, seller))
	assert.Equal(t, uint64(11), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(0), f.balance(t, seller, quote))
	assert.Equal(t, uint64(0), f.balance(t, collector, quote))
	assert.Equal(t, uint64(1), f.balance(t, seller, baseAsset))
}

// A fee override equal to the notional is the boundary: the seller nets
// zero but nothing wraps.
func TestSettleFeeOverrideEqualsNotional(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 200)
	f.deposit(t, seller, baseAsset, 10)

	buyID := f.order(t, buyer, models.OrderSideBuy, 10, 10, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 10, 10, 1)
	matchID := f.match(t, buyID, sellID, 10)

	raw, proof, err := f.enc.EncryptAmount(100)
	require.NoError(t, err)
	require.NoError(t, f.svc.Settle(ctx, matchID, &FeeOverride{Raw: raw, Proof: proof}))

	assert.True(t, f.effective(t, matchID, seller))
	assert.Equal(t, uint64(0), f.balance(t, buyer, quote))   // 200 - (100+100)
	assert.Equal(t, uint64(0), f.balance(t, seller, quote))  // 100 - 100
	assert.Equal(t, uint64(200), f.balance(t, collector, quote))
	assert.Equal(t, uint64(10), f.balance(t, buyer, baseAsset))
}

func TestSettleFeeOverrideBadProof(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 100)

	buyID := f.order(t, buyer, models.OrderSideBuy, 50, 10, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 50, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	raw, _, err := f.enc.EncryptAmount(7)
	require.NoError(t, err)
	err = f.svc.Settle(ctx, matchID, &FeeOverride{Raw: raw, Proof: []byte("junk")})
	assert.True(t, errors.IsKind(err, errors.KindProofInvalid))
}

// An underfunded buyer produces effective=false and no balance moves, but
// the match is still marked settled so it cannot be retried later with
// topped-up funds.
func TestSettleInsufficientBuyerFunds(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 100)
	f.deposit(t, seller, baseAsset, 200)

	buyID := f.order(t, buyer, models.OrderSideBuy, 100, 12, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 100, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.False(t, f.effective(t, matchID, buyer))
	assert.Equal(t, uint64(100), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(0), f.balance(t, seller, quote))
	assert.Equal(t, uint64(200), f.balance(t, seller, baseAsset))

	m, err := f.matching.Get(ctx, matchID)
	require.NoError(t, err)
	assert.True(t, m.Settled)
}

func TestSettleInsufficientSellerInventory(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 10)

	buyID := f.order(t, buyer, models.OrderSideBuy, 100, 12, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 100, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.False(t, f.effective(t, matchID, seller))
	assert.Equal(t, uint64(1000), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(10), f.balance(t, seller, baseAsset))
	assert.Equal(t, uint64(0), f.balance(t, buyer, baseAsset))
}

func TestSettleInvalidMatch(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 200)

	// Prices do not cross, so the recorded match is invalid.
	buyID := f.order(t, buyer, models.OrderSideBuy, 100, 5, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 100, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.False(t, f.effective(t, matchID, buyer))
	assert.Equal(t, uint64(1000), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(200), f.balance(t, seller, baseAsset))
}

func TestSettleTwice(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 1000)
	f.deposit(t, seller, baseAsset, 200)

	buyID := f.order(t, buyer, models.OrderSideBuy, 100, 12, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 100, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))
	err := f.svc.Settle(ctx, matchID, nil)
	assert.True(t, errors.IsKind(err, errors.KindAlreadySettled))

	// Balances untouched by the rejected retry.
	assert.Equal(t, uint64(499), f.balance(t, buyer, quote))
}

func TestSettleUnknownMatch(t *testing.T) {
	f := setup(t, 25)
	err := f.svc.Settle(context.Background(), 404, nil)
	assert.True(t, errors.IsKind(err, errors.KindUnknownMatch))
}

// Exact funding settles to zero: the buyer needs notional+fee, not a
// margin beyond it.
func TestSettleExactFunding(t *testing.T) {
	f := setup(t, 25)
	ctx := context.Background()

	f.deposit(t, buyer, quote, 501)
	f.deposit(t, seller, baseAsset, 50)

	buyID := f.order(t, buyer, models.OrderSideBuy, 50, 10, 1)
	sellID := f.order(t, seller, models.OrderSideSell, 50, 10, 1)
	matchID := f.match(t, buyID, sellID, 50)

	require.NoError(t, f.svc.Settle(ctx, matchID, nil))

	assert.True(t, f.effective(t, matchID, buyer))
	assert.Equal(t, uint64(0), f.balance(t, buyer, quote))
	assert.Equal(t, uint64(0), f.balance(t, seller, baseAsset))
	assert.Equal(t, uint64(50), f.balance(t, buyer, baseAsset))
}
