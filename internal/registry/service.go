// Package registry owns the order lifecycle: admission, cancellation and
// the tradeability pre-filter. Order quantities are ciphertext handles;
// the registry never inspects them beyond proof verification.
package registry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/compliance"
	"github.com/veildesk/veildesk/internal/store"
	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/metrics"
	"github.com/veildesk/veildesk/pkg/models"
)

const counterOrders = "orders"

type indexKey struct {
	Asset   string
	OrderID uint64
}

func indexLess(a, b indexKey) bool {
	if a.Asset != b.Asset {
		return a.Asset < b.Asset
	}
	return a.OrderID < b.OrderID
}

// Service implements the order registry. The open-order index is an
// in-memory view over the store, rebuilt at startup and maintained by
// create/cancel; matching consults the store directly.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	suite  cipher.Suite
	gate   *compliance.Gate
	index  *btree.BTreeG[indexKey]
}

// NewService creates the registry and rebuilds the open-order index.
func NewService(logger *zap.Logger, db *gorm.DB, suite cipher.Suite, gate *compliance.Gate) (*Service, error) {
	s := &Service{
		logger: logger,
		db:     db,
		suite:  suite,
		gate:   gate,
		index:  btree.NewBTreeG(indexLess),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) rebuildIndex() error {
	var orders []models.Order
	if err := s.db.Where("cancelled = ?", false).Find(&orders).Error; err != nil {
		return errors.Wrap(errors.KindInternal, "rebuild order index", err)
	}
	now := time.Now()
	for i := range orders {
		if s.IsTradeable(&orders[i], now) {
			s.index.Set(indexKey{Asset: orders[i].Asset, OrderID: orders[i].ID})
		}
	}
	return nil
}

// CreateParams carries the ciphertext+proof triple and public metadata of
// a new order.
type CreateParams struct {
	Owner        common.Address
	Asset        common.Address
	Side         string
	Amount       []byte
	AmountProof  []byte
	Price        []byte
	PriceProof   []byte
	MinFill      []byte
	MinFillProof []byte
	Expiration   time.Time
}

// Create admits an order. Admission is optimistic: no balance is reserved;
// sufficiency is checked homomorphically once, at settlement.
func (s *Service) Create(ctx context.Context, p CreateParams) (uint64, error) {
	now := time.Now()
	if !p.Expiration.After(now) {
		return 0, errors.New(errors.KindInvalidExpiration, "expiration not in the future")
	}
	if p.Side != models.OrderSideBuy && p.Side != models.OrderSideSell {
		return 0, errors.Newf(errors.KindInvalid, "unknown order side %q", p.Side)
	}
	if err := s.gate.Require(ctx, p.Owner); err != nil {
		return 0, err
	}

	amount, err := s.suite.IngestAmount(p.Amount, p.AmountProof)
	if err != nil {
		return 0, err
	}
	price, err := s.suite.IngestAmount(p.Price, p.PriceProof)
	if err != nil {
		return 0, err
	}
	minFill, err := s.suite.IngestAmount(p.MinFill, p.MinFillProof)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err = store.NextID(tx, counterOrders)
		if err != nil {
			return errors.Wrap(errors.KindInternal, "assign order id", err)
		}
		order := models.Order{
			ID:         id,
			Owner:      p.Owner.Hex(),
			Asset:      p.Asset.Hex(),
			Side:       p.Side,
			Amount:     amount.C,
			Price:      price.C,
			MinFill:    minFill.C,
			Remaining:  amount.C,
			Expiration: p.Expiration,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist order", err)
		}
		for _, ea := range []cipher.EncAmount{amount, price, minFill} {
			if err := cipher.Allow(tx, ea, p.Owner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.index.Set(indexKey{Asset: p.Asset.Hex(), OrderID: id})
	metrics.OrdersCreated.WithLabelValues(p.Side).Inc()
	s.logger.Info("order created",
		zap.Uint64("order_id", id),
		zap.String("owner", p.Owner.Hex()),
		zap.String("side", p.Side))
	return id, nil
}

// Cancel marks an order cancelled. Repeated cancels fail rather than
// silently succeed, to surface caller bugs. Remaining and balances are
// untouched.
func (s *Service) Cancel(ctx context.Context, orderID uint64, caller common.Address) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := getOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.Owner != caller.Hex() {
			return errors.Newf(errors.KindNotOwner, "order %d is not owned by %s", orderID, caller.Hex())
		}
		if order.Cancelled {
			return errors.Newf(errors.KindAlreadyCancelled, "order %d already cancelled", orderID)
		}
		if !time.Now().Before(order.Expiration) {
			return errors.Newf(errors.KindExpired, "order %d is past expiration", orderID)
		}
		order.Cancelled = true
		order.UpdatedAt = time.Now()
		if err := tx.Save(order).Error; err != nil {
			return errors.Wrap(errors.KindInternal, "persist cancel", err)
		}
		s.index.Delete(indexKey{Asset: order.Asset, OrderID: order.ID})
		return nil
	})
	if err != nil {
		return err
	}
	metrics.OrdersCancelled.Inc()
	return nil
}

// IsTradeable is the cheap plaintext pre-filter consulted before any
// homomorphic compute is spent on an order.
func (s *Service) IsTradeable(order *models.Order, now time.Time) bool {
	return !order.Cancelled && now.Before(order.Expiration)
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, orderID uint64) (*models.Order, error) {
	return getOrder(s.db.WithContext(ctx), orderID)
}

// ListByOwner returns all orders ever created by a party, newest first.
func (s *Service) ListByOwner(ctx context.Context, owner common.Address) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("owner = ?", owner.Hex()).
		Order("id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "list orders", err)
	}
	return orders, nil
}

// OpenByAsset returns currently tradeable orders for an asset, in id
// order, from the in-memory index.
func (s *Service) OpenByAsset(ctx context.Context, asset common.Address) ([]models.Order, error) {
	now := time.Now()
	var ids []uint64
	s.index.Ascend(indexKey{Asset: asset.Hex()}, func(k indexKey) bool {
		if k.Asset != asset.Hex() {
			return false
		}
		ids = append(ids, k.OrderID)
		return true
	})

	orders := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		order, err := getOrder(s.db.WithContext(ctx), id)
		if err != nil {
			return nil, err
		}
		if s.IsTradeable(order, now) {
			orders = append(orders, *order)
		} else {
			// expired since indexing; drop lazily
			s.index.Delete(indexKey{Asset: order.Asset, OrderID: order.ID})
		}
	}
	return orders, nil
}

func getOrder(tx *gorm.DB, orderID uint64) (*models.Order, error) {
	var order models.Order
	err := tx.Where("id = ?", orderID).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.Newf(errors.KindUnknownOrder, "order %d does not exist", orderID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "load order", err)
	}
	return &order, nil
}
