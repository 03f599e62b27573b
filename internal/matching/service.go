// Package matching validates candidate (buy, sell, fill) triples. The
// business predicate is evaluated entirely over ciphertexts; a match is
// recorded whether or not it is valid, so a failed match is
// observationally identical to a successful one.
package matching

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/compliance"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/internal/store"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/metrics"
	"github.com/veildesk/veildesk/pkg/models"
)

const counterMatches = "matches"

// Service implements the matching engine. It is the only writer of order
// Remaining handles.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	suite    cipher.Suite
	gate     *compliance.Gate
	registry *registry.Service
}

// NewService creates the matching engine.
func NewService(logger *zap.Logger, db *gorm.DB, suite cipher.Suite, gate *compliance.Gate, reg *registry.Service) *Service {
	return &Service{logger: logger, db: db, suite: suite, gate: gate, registry: reg}
}

// Match runs the plaintext structural pre-checks, evaluates the encrypted
// validity conjunction, select-decrements both orders' remaining amounts
// and records the Match. The caller learns the outcome only by decrypting
// the match's validity flag, to which buyer and seller are granted access.
func (s *Service) Match(ctx context.Context, buyOrderID, sellOrderID uint64, fillRaw, fillProof []byte) (uint64, error) {
	now := time.Now()

	// Structural checks first: all inputs here are public, so early
	// rejection leaks nothing and saves homomorphic compute.
	buy, err := s.registry.Get(ctx, buyOrderID)
	if err != nil {
		return 0, err
	}
	sell, err := s.registry.Get(ctx, sellOrderID)
	if err != nil {
		return 0, err
	}
	if !buy.IsBuy() || sell.IsBuy() {
		return 0, errors.Newf(errors.KindSideMismatch, "orders %d/%d are not a buy/sell pair", buyOrderID, sellOrderID)
	}
	if buy.Asset != sell.Asset {
		return 0, errors.Newf(errors.KindAssetMismatch, "orders %d/%d trade different assets", buyOrderID, sellOrderID)
	}
	for _, order := range []*models.Order{buy, sell} {
		if order.Cancelled {
			return 0, errors.Newf(errors.KindAlreadyCancelled, "order %d is cancelled", order.ID)
		}
		if !s.registry.IsTradeable(order, now) {
			return 0, errors.Newf(errors.KindExpired, "order %d is past expiration", order.ID)
		}
	}
	if err := s.gate.Require(ctx, buy.OwnerAddress()); err != nil {
		return 0, err
	}
	if err := s.gate.Require(ctx, sell.OwnerAddress()); err != nil {
		return 0, err
	}

	fill, err := s.suite.IngestAmount(fillRaw, fillProof)
	if err != nil {
		return 0, err
	}

	valid, err := s.validity(buy, sell, fill)
	if err != nil {
		return 0, err
	}

	// Both remaining updates are applied unconditionally; when the match
	// is invalid the select keeps the old value under a fresh handle.
	buyRemaining, err := s.decrement(cipher.EncAmount{C: buy.Remaining}, fill, valid)
	if err != nil {
		return 0, err
	}
	sellRemaining, err := s.decrement(cipher.EncAmount{C: sell.Remaining}, fill, valid)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err = store.NextID(tx, counterMatches)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "assign match id", err)
		}

		buy.Remaining = buyRemaining.C
		buy.UpdatedAt = now
		if err := tx.Save(buy).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist buy remaining", err)
		}
		sell.Remaining = sellRemaining.C
		sell.UpdatedAt = now
		if err := tx.Save(sell).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist sell remaining", err)
		}

		match := models.Match{
			ID:          id,
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Buyer:       buy.Owner,
			Seller:      sell.Owner,
			Asset:       buy.Asset,
			Fill:        fill.C,
			Valid:       valid.C,
			CreatedAt:   now,
		}
		if err := tx.Create(&match).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist match", err)
		}

		for _, party := range []string{buy.Owner, sell.Owner} {
			addr := common.HexToAddress(party)
			if err := cipher.Allow(tx, fill, addr); err != nil {
				return err
			}
			if err := cipher.Allow(tx, valid, addr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.MatchesRecorded.Inc()
	s.logger.Info("match recorded",
		zap.Uint64("match_id", id),
		zap.Uint64("buy_order_id", buy.ID),
		zap.Uint64("sell_order_id", sell.ID))
	return id, nil
}

// validity computes the encrypted conjunction: the fill fits both
// remaining amounts, satisfies both minimum fills, and the buy price
// crosses the sell price.
func (s *Service) validity(buy, sell *models.Order, fill cipher.EncAmount) (cipher.EncBool, error) {
	fitsBuy, err := s.suite.Le(fill, cipher.EncAmount{C: buy.Remaining})
	if err != nil {
		return cipher.EncBool{}, err
	}
	fitsSell, err := s.suite.Le(fill, cipher.EncAmount{C: sell.Remaining})
	if err != nil {
		return cipher.EncBool{}, err
	}
	meetsBuyMin, err := s.suite.Ge(fill, cipher.EncAmount{C: buy.MinFill})
	if err != nil {
		return cipher.EncBool{}, err
	}
	meetsSellMin, err := s.suite.Ge(fill, cipher.EncAmount{C: sell.MinFill})
	if err != nil {
		return cipher.EncBool{}, err
	}
	crossed, err := s.suite.Ge(cipher.EncAmount{C: buy.Price}, cipher.EncAmount{C: sell.Price})
	if err != nil {
		return cipher.EncBool{}, err
	}

	valid := fitsBuy
	for _, term := range []cipher.EncBool{fitsSell, meetsBuyMin, meetsSellMin, crossed} {
		valid, err = s.suite.And(valid, term)
		if err != nil {
			return cipher.EncBool{}, err
		}
	}
	return valid, nil
}

func (s *Service) decrement(remaining, fill cipher.EncAmount, valid cipher.EncBool) (cipher.EncAmount, error) {
	debited, err := s.suite.Sub(remaining, fill)
	if err != nil {
		return cipher.EncAmount{}, err
	}
	return s.suite.Select(valid, debited, remaining)
}

// Get returns a match by id.
func (s *Service) Get(ctx context.Context, matchID uint64) (*models.Match, error) {
	return getMatch(s.db.WithContext(ctx), matchID)
}

// ListByParty returns matches where the party is buyer or seller, newest
// first.
func (s *Service) ListByParty(ctx context.Context, party string) ([]models.Match, error) {
	var matches []models.Match
	err := s.db.WithContext(ctx).
		Where("buyer = ? OR seller = ?", party, party).
		Order("id DESC").
		Find(&matches).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list matches", err)
	}
	return matches, nil
}

func getMatch(tx *gorm.DB, matchID uint64) (*models.Match, error) {
	var match models.Match
	err := tx.Where("id = ?", matchID).First(&match).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Newf(errors.KindUnknownMatch, "match %d does not exist", matchID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "load match", err)
	}
	return &match, nil
}
