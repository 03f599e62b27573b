// Package engine exposes the desk facade: the single entry surface over
// ledger, registry, matching and settlement. All mutating operations run
// start-to-finish under one mutex, giving the total serial order the
// state machine assumes; there is no other locking anywhere in the core.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/ledger"
	"github.com/veildesk/veildesk/internal/matching"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/internal/settlement"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/models"
)

// Desk serializes and journals every boundary operation.
type Desk struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     *gorm.DB

	ledger     *ledger.Service
	registry   *registry.Service
	matching   *matching.Service
	settlement *settlement.Service
	oracle     *cipher.Oracle
}

// NewDesk assembles the engine facade.
func NewDesk(logger *zap.Logger, db *gorm.DB, led *ledger.Service, reg *registry.Service, mat *matching.Service, set *settlement.Service, oracle *cipher.Oracle) *Desk {
	return &Desk{
		logger:     logger,
		db:         db,
		ledger:     led,
		registry:   reg,
		matching:   mat,
		settlement: set,
		oracle:     oracle,
	}
}

// journal appends the audit record for a completed operation. Entries are
// append-only and written inside the serialized section, so their order is
// the order effects were applied in. An append failure surfaces to the
// caller: the effects are committed, but the operation must not report
// success without its audit record.
func (d *Desk) journal(ctx context.Context, op string, actor common.Address, asset string, refID uint64) error {
	entry := models.JournalEntry{
		ID:        uuid.New(),
		Op:        op,
		Actor:     actor.Hex(),
		Asset:     asset,
		RefID:     refID,
		CreatedAt: time.Now(),
	}
	if err := d.db.WithContext(ctx).Create(&entry).Error; err != nil {
		d.logger.Error("journal append failed", zap.String("op", op), zap.Error(err))
		return errors.Wrap(errors.KindInternal, "append journal entry", err)
	}
	return nil
}

// Deposit credits an encrypted amount to the caller's balance.
func (d *Desk) Deposit(ctx context.Context, party, asset common.Address, raw, proof []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ledger.Deposit(ctx, party, asset, raw, proof); err != nil {
		return err
	}
	return d.journal(ctx, models.JournalDeposit, party, asset.Hex(), 0)
}

// Withdraw debits an encrypted amount if covered; the encrypted
// sufficiency flag is the only visible outcome.
func (d *Desk) Withdraw(ctx context.Context, party, asset common.Address, raw, proof []byte) (cipher.EncBool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sufficient, err := d.ledger.Withdraw(ctx, party, asset, raw, proof)
	if err != nil {
		return cipher.EncBool{}, err
	}
	if err := d.journal(ctx, models.JournalWithdraw, party, asset.Hex(), 0); err != nil {
		return cipher.EncBool{}, err
	}
	return sufficient, nil
}

// GetBalance returns the caller's encrypted balance handle.
func (d *Desk) GetBalance(ctx context.Context, party, asset common.Address) (cipher.EncAmount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ledger.Get(ctx, party, asset)
}

// CreateOrder admits a confidential order and returns its id.
func (d *Desk) CreateOrder(ctx context.Context, p registry.CreateParams) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.registry.Create(ctx, p)
	if err != nil {
		return 0, err
	}
	if err := d.journal(ctx, models.JournalCreate, p.Owner, p.Asset.Hex(), id); err != nil {
		return 0, err
	}
	return id, nil
}

// CancelOrder cancels the caller's order.
func (d *Desk) CancelOrder(ctx context.Context, orderID uint64, caller common.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.registry.Cancel(ctx, orderID, caller); err != nil {
		return err
	}
	return d.journal(ctx, models.JournalCancel, caller, "", orderID)
}

// MatchOrders validates and records a candidate fill between two orders.
func (d *Desk) MatchOrders(ctx context.Context, caller common.Address, buyOrderID, sellOrderID uint64, fillRaw, fillProof []byte) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.matching.Match(ctx, buyOrderID, sellOrderID, fillRaw, fillProof)
	if err != nil {
		return 0, err
	}
	if err := d.journal(ctx, models.JournalMatch, caller, "", id); err != nil {
		return 0, err
	}
	return id, nil
}

// ExecuteSettlement settles a match at most once.
func (d *Desk) ExecuteSettlement(ctx context.Context, caller common.Address, matchID uint64, feeOverride *settlement.FeeOverride) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.settlement.Settle(ctx, matchID, feeOverride); err != nil {
		return err
	}
	return d.journal(ctx, models.JournalSettlement, caller, "", matchID)
}

// GetOrder returns order metadata and ciphertext handles.
func (d *Desk) GetOrder(ctx context.Context, orderID uint64) (*models.Order, error) {
	return d.registry.Get(ctx, orderID)
}

// UserOrders returns all orders a party has created.
func (d *Desk) UserOrders(ctx context.Context, owner common.Address) ([]models.Order, error) {
	return d.registry.ListByOwner(ctx, owner)
}

// OpenOrders returns the tradeable orders for an asset.
func (d *Desk) OpenOrders(ctx context.Context, asset common.Address) ([]models.Order, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.OpenByAsset(ctx, asset)
}

// GetMatch returns match metadata and ciphertext handles.
func (d *Desk) GetMatch(ctx context.Context, matchID uint64) (*models.Match, error) {
	return d.matching.Get(ctx, matchID)
}

// UserMatches returns the matches a party participates in.
func (d *Desk) UserMatches(ctx context.Context, party common.Address) ([]models.Match, error) {
	return d.matching.ListByParty(ctx, party.Hex())
}

// DecryptAmount releases a quantity to an authorized party through the
// oracle. Pure read; never serialized with mutations.
func (d *Desk) DecryptAmount(ctx context.Context, handle cipher.Ciphertext, party common.Address) (uint64, error) {
	return d.oracle.DecryptAmount(ctx, handle, party)
}

// DecryptBool releases a boolean to an authorized party.
func (d *Desk) DecryptBool(ctx context.Context, handle cipher.Ciphertext, party common.Address) (bool, error) {
	return d.oracle.DecryptBool(ctx, handle, party)
}
