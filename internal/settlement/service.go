// Package settlement realizes the economic effect of a recorded match:
// quote funds move from buyer to seller and fee collector, base inventory
// moves from seller to buyer. Every ledger write is select-gated on the
// match's encrypted validity combined with homomorphic sufficiency checks,
// so an ineffective settlement is a no-op that looks identical on the
// wire. Settlement is attempted at most once per match.
package settlement

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/ledger"
	"github.com/veildesk/veildesk/internal/matching"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/metrics"
	"github.com/veildesk/veildesk/pkg/models"
)

const feeDenominatorBps = 10_000

// Config fixes the settlement economics: the quote asset every order
// trades against, the fee collector, and the default fee rate in basis
// points applied to the notional.
type Config struct {
	QuoteAsset   common.Address
	FeeCollector common.Address
	FeeBps       uint64
}

// Service implements the settlement engine.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	suite    cipher.Suite
	ledger   *ledger.Service
	registry *registry.Service
	matching *matching.Service
	cfg      Config
}

// NewService creates the settlement engine.
func NewService(logger *zap.Logger, db *gorm.DB, suite cipher.Suite, led *ledger.Service, reg *registry.Service, mat *matching.Service, cfg Config) *Service {
	return &Service{logger: logger, db: db, suite: suite, ledger: led, registry: reg, matching: mat, cfg: cfg}
}

// FeeOverride carries an externally encrypted absolute fee, replacing the
// configured rate for one settlement.
type FeeOverride struct {
	Raw   []byte
	Proof []byte
}

// Settle executes settlement for a match. feeOverride may be nil. The
// plaintext checks (match exists, not yet settled) fail fast; from there
// every outcome is confidential: buyer and seller learn whether value
// moved only by decrypting the stored effective flag.
func (s *Service) Settle(ctx context.Context, matchID uint64, feeOverride *FeeOverride) error {
	match, err := s.matching.Get(ctx, matchID)
	if err != nil {
		return err
	}
	if match.Settled {
		return errors.Newf(errors.KindAlreadySettled, "match %d already settled", matchID)
	}

	sellOrder, err := s.registry.Get(ctx, match.SellOrderID)
	if err != nil {
		return err
	}

	fill := cipher.EncAmount{C: match.Fill}
	valid := cipher.EncBool{C: match.Valid}

	// Execution price is the sell order's ask.
	notional, err := s.suite.Mul(cipher.EncAmount{C: sellOrder.Price}, fill)
	if err != nil {
		return err
	}
	fee, err := s.fee(notional, feeOverride)
	if err != nil {
		return err
	}
	// An overridden fee above the notional would wrap the seller's
	// proceeds subtraction; such a settlement must not take effect.
	feeBounded, err := s.suite.Le(fee, notional)
	if err != nil {
		return err
	}
	cost, err := s.suite.Add(notional, fee)
	if err != nil {
		return err
	}
	proceeds, err := s.suite.Sub(notional, fee)
	if err != nil {
		return err
	}
	feeTotal, err := s.suite.Add(fee, fee)
	if err != nil {
		return err
	}

	buyer := match.BuyerAddress()
	seller := match.SellerAddress()
	asset := common.HexToAddress(match.Asset)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		buyerQuote, err := s.ledger.LoadOrCreate(tx, buyer, s.cfg.QuoteAsset)
		if err != nil {
			return err
		}
		sellerQuote, err := s.ledger.LoadOrCreate(tx, seller, s.cfg.QuoteAsset)
		if err != nil {
			return err
		}
		collectorQuote, err := s.ledger.LoadOrCreate(tx, s.cfg.FeeCollector, s.cfg.QuoteAsset)
		if err != nil {
			return err
		}
		sellerBase, err := s.ledger.LoadOrCreate(tx, seller, asset)
		if err != nil {
			return err
		}
		buyerBase, err := s.ledger.LoadOrCreate(tx, buyer, asset)
		if err != nil {
			return err
		}

		// Real sufficiency is checked here, homomorphically, exactly
		// once: the buyer must cover notional+fee in quote, the seller
		// must hold the base inventory being sold.
		buyerFunded, err := s.suite.Ge(cipher.EncAmount{C: buyerQuote.Amount}, cost)
		if err != nil {
			return err
		}
		sellerFunded, err := s.suite.Ge(cipher.EncAmount{C: sellerBase.Amount}, fill)
		if err != nil {
			return err
		}
		effective, err := s.suite.And(valid, buyerFunded)
		if err != nil {
			return err
		}
		effective, err = s.suite.And(effective, sellerFunded)
		if err != nil {
			return err
		}
		effective, err = s.suite.And(effective, feeBounded)
		if err != nil {
			return err
		}

		type write struct {
			bal   *models.Balance
			delta cipher.EncAmount
			debit bool
		}
		for _, w := range []write{
			{bal: buyerQuote, delta: cost, debit: true},
			{bal: sellerQuote, delta: proceeds},
			{bal: collectorQuote, delta: feeTotal},
			{bal: sellerBase, delta: fill, debit: true},
			{bal: buyerBase, delta: fill},
		} {
			current := cipher.EncAmount{C: w.bal.Amount}
			var applied cipher.EncAmount
			if w.debit {
				applied, err = s.suite.Sub(current, w.delta)
			} else {
				applied, err = s.suite.Add(current, w.delta)
			}
			if err != nil {
				return err
			}
			next, err := s.suite.Select(effective, applied, current)
			if err != nil {
				return err
			}
			if err := s.ledger.Put(tx, w.bal, next); err != nil {
				return err
			}
		}

		now := time.Now()
		match.Effective = effective.C
		match.Settled = true
		match.SettledAt = &now
		if err := tx.Save(match).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist settlement", err)
		}
		for _, party := range []common.Address{buyer, seller} {
			if err := cipher.Allow(tx, effective, party); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.SettlementsExecuted.Inc()
	s.logger.Info("settlement executed", zap.Uint64("match_id", matchID))
	return nil
}

func (s *Service) fee(notional cipher.EncAmount, override *FeeOverride) (cipher.EncAmount, error) {
	if override != nil {
		return s.suite.IngestAmount(override.Raw, override.Proof)
	}
	return s.suite.MulPlainRatio(notional, s.cfg.FeeBps, feeDenominatorBps)
}
