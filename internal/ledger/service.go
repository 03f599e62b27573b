// Package ledger maintains the encrypted balance of every (party, asset)
// pair. Balances are ciphertext handles: the ledger adds, subtracts and
// select-updates them without ever observing a quantity.
package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/compliance"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/metrics"
	"github.com/veildesk/veildesk/pkg/models"
)

// Service implements the balance ledger. Together with the settlement
// engine it is the only writer of balances.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	suite  cipher.Suite
	gate   *compliance.Gate
}

// NewService creates the ledger service.
func NewService(logger *zap.Logger, db *gorm.DB, suite cipher.Suite, gate *compliance.Gate) *Service {
	return &Service{logger: logger, db: db, suite: suite, gate: gate}
}

// LoadOrCreate returns the balance row for (party, asset), creating it
// seeded with an encrypted zero on first touch. Rows are never deleted.
func (s *Service) LoadOrCreate(tx *gorm.DB, party, asset common.Address) (*models.Balance, error) {
	var bal models.Balance
	err := tx.Where("party = ? AND asset = ?", party.Hex(), asset.Hex()).First(&bal).Error
	if err == nil {
		return &bal, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, errors.Wrap(errors.KindInternal, "load balance", err)
	}

	zero, err := s.suite.EncryptConst(0)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	bal = models.Balance{
		ID:        uuid.New(),
		Party:     party.Hex(),
		Asset:     asset.Hex(),
		Amount:    zero.C,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&bal).Error; err != nil {
		return nil, errors.Wrap(errors.KindInternal, "create balance", err)
	}
	if err := cipher.Allow(tx, zero, party); err != nil {
		return nil, err
	}
	return &bal, nil
}

// Put writes a new balance handle and grants the owner decryption rights
// on it. Callers are the ledger itself and the settlement engine; nothing
// else writes balances.
func (s *Service) Put(tx *gorm.DB, bal *models.Balance, amount cipher.EncAmount) error {
	bal.Amount = amount.C
	bal.UpdatedAt = time.Now()
	if err := tx.Save(bal).Error; err != nil {
		return errors.Wrap(errors.KindInternal, "save balance", err)
	}
	return cipher.Allow(tx, amount, bal.PartyAddress())
}

// Deposit unconditionally credits the ingested amount. The credit is
// trusted at proof-verification time; there is no failure path beyond a
// rejected proof or a non-compliant party.
func (s *Service) Deposit(ctx context.Context, party, asset common.Address, raw, proof []byte) error {
	if err := s.gate.Require(ctx, party); err != nil {
		return err
	}
	amount, err := s.suite.IngestAmount(raw, proof)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.LoadOrCreate(tx, party, asset)
		if err != nil {
			return err
		}
		next, err := s.suite.Add(cipher.EncAmount{C: bal.Amount}, amount)
		if err != nil {
			return err
		}
		return s.Put(tx, bal, next)
	})
	if err != nil {
		return err
	}

	metrics.Deposits.WithLabelValues(asset.Hex()).Inc()
	s.logger.Debug("deposit applied", zap.String("party", party.Hex()), zap.String("asset", asset.Hex()))
	return nil
}

// Withdraw debits the ingested amount when the balance covers it and
// leaves the balance untouched otherwise, in one unconditional select
// write. The call never fails on insufficiency; the returned encrypted
// flag tells the caller, after decryption, whether funds moved.
func (s *Service) Withdraw(ctx context.Context, party, asset common.Address, raw, proof []byte) (cipher.EncBool, error) {
	amount, err := s.suite.IngestAmount(raw, proof)
	if err != nil {
		return cipher.EncBool{}, err
	}

	var sufficient cipher.EncBool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.LoadOrCreate(tx, party, asset)
		if err != nil {
			return err
		}
		current := cipher.EncAmount{C: bal.Amount}
		sufficient, err = s.suite.Ge(current, amount)
		if err != nil {
			return err
		}
		debited, err := s.suite.Sub(current, amount)
		if err != nil {
			return err
		}
		next, err := s.suite.Select(sufficient, debited, current)
		if err != nil {
			return err
		}
		if err := s.Put(tx, bal, next); err != nil {
			return err
		}
		return cipher.Allow(tx, sufficient, party)
	})
	if err != nil {
		return cipher.EncBool{}, err
	}

	metrics.Withdrawals.WithLabelValues(asset.Hex()).Inc()
	return sufficient, nil
}

// Get returns the encrypted balance handle. The owner may take it to the
// decrypt oracle; no one else holds rights on it. Reading never creates a
// balance row: a party that was never funded gets a freshly sealed zero.
func (s *Service) Get(ctx context.Context, party, asset common.Address) (cipher.EncAmount, error) {
	var bal models.Balance
	err := s.db.WithContext(ctx).
		Where("party = ? AND asset = ?", party.Hex(), asset.Hex()).
		First(&bal).Error
	if err == gorm.ErrRecordNotFound {
		zero, err := s.suite.EncryptConst(0)
		if err != nil {
			return cipher.EncAmount{}, err
		}
		if err := cipher.Allow(s.db.WithContext(ctx), zero, party); err != nil {
			return cipher.EncAmount{}, err
		}
		return zero, nil
	}
	if err != nil {
		return cipher.EncAmount{}, errors.Wrap(errors.KindInternal, "load balance", err)
	}
	return cipher.EncAmount{C: bal.Amount}, nil
}
