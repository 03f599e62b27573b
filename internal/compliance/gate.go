// Package compliance gates engine entry points on the external attestation
// source. Compliance status is public, so this is the one place ordinary
// plaintext branching on a business condition is acceptable.
package compliance

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/models"
)

// Provider answers attestation queries. Implementations integrate external
// attestation services; the engine only reads.
type Provider interface {
	IsCompliant(ctx context.Context, party common.Address) (bool, error)
}

// Gate wraps a Provider and converts a negative answer into the engine's
// NotCompliant failure.
type Gate struct {
	logger   *zap.Logger
	provider Provider
}

// NewGate creates a compliance gate over the given provider.
func NewGate(logger *zap.Logger, provider Provider) *Gate {
	return &Gate{logger: logger, provider: provider}
}

// Require fails with NotCompliant unless the party is attested.
func (g *Gate) Require(ctx context.Context, party common.Address) error {
	ok, err := g.provider.IsCompliant(ctx, party)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "compliance lookup", err)
	}
	if !ok {
		g.logger.Info("compliance gate rejected party", zap.String("party", party.Hex()))
		return errors.Newf(errors.KindNotCompliant, "party %s is not attested", party.Hex())
	}
	return nil
}

// RecordProvider resolves attestation from the compliance_records table,
// which an external attestation feed maintains. Unknown parties are not
// compliant.
type RecordProvider struct {
	db *gorm.DB
}

// NewRecordProvider creates a store-backed provider.
func NewRecordProvider(db *gorm.DB) *RecordProvider {
	return &RecordProvider{db: db}
}

func (p *RecordProvider) IsCompliant(ctx context.Context, party common.Address) (bool, error) {
	var rec models.ComplianceRecord
	err := p.db.WithContext(ctx).Where("party = ?", party.Hex()).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Allowed, nil
}

// Attest upserts a party's attestation status. It exists for the external
// feed's ingestion path and for tests.
func (p *RecordProvider) Attest(ctx context.Context, party common.Address, allowed bool) error {
	rec := models.ComplianceRecord{Party: party.Hex(), Allowed: allowed, UpdatedAt: time.Now()}
	return p.db.WithContext(ctx).Save(&rec).Error
}

// AllowAll attests every party. Dev deployments only.
type AllowAll struct{}

func (AllowAll) IsCompliant(context.Context, common.Address) (bool, error) { return true, nil }
