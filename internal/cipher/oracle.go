package cipher

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veildesk/veildesk/pkg/errors"
	"github.com/veildesk/veildesk/pkg/models"
)

// opener is the decryption capability behind the oracle. SealedSuite
// implements it; a coprocessor adapter would forward to the gateway.
type opener interface {
	OpenAmount(c Ciphertext) (uint64, error)
	OpenBool(c Ciphertext) (bool, error)
}

// Oracle is the decrypt oracle: it releases plaintext only to parties that
// were granted access to a handle when the handle was created. Decryption
// is a pure read and never participates in state mutation.
type Oracle struct {
	logger *zap.Logger
	db     *gorm.DB
	opener opener
}

// NewOracle creates the grant-checked decrypt oracle.
func NewOracle(logger *zap.Logger, db *gorm.DB, suite *SealedSuite) *Oracle {
	return &Oracle{logger: logger, db: db, opener: suite}
}

// Allow grants party the right to decrypt the handle. Services call it in
// the same transaction that persists the handle. Granting twice is a no-op.
func Allow[T EncAmount | EncBool](tx *gorm.DB, v T, party common.Address) error {
	var handle Ciphertext
	switch h := any(v).(type) {
	case EncAmount:
		handle = h.C
	case EncBool:
		handle = h.C
	}
	grant := &models.AccessGrant{
		ID:        uuid.New(),
		Handle:    handle.Key(),
		Party:     party.Hex(),
		CreatedAt: time.Now(),
	}
	err := tx.Where("handle = ? AND party = ?", grant.Handle, grant.Party).
		FirstOrCreate(grant).Error
	if err != nil {
		return errors.Wrap(errors.KindInternal, "record access grant", err)
	}
	return nil
}

func (o *Oracle) authorized(ctx context.Context, c Ciphertext, party common.Address) error {
	var count int64
	err := o.db.WithContext(ctx).Model(&models.AccessGrant{}).
		Where("handle = ? AND party = ?", c.Key(), party.Hex()).
		Count(&count).Error
	if err != nil {
		return errors.Wrap(errors.KindInternal, "look up access grant", err)
	}
	if count == 0 {
		o.logger.Warn("decrypt denied", zap.String("party", party.Hex()))
		return errors.New(errors.KindNotAuthorized, "no decryption rights for handle")
	}
	return nil
}

// DecryptAmount releases the quantity behind a handle to an authorized party.
func (o *Oracle) DecryptAmount(ctx context.Context, c Ciphertext, party common.Address) (uint64, error) {
	if err := o.authorized(ctx, c, party); err != nil {
		return 0, err
	}
	return o.opener.OpenAmount(c)
}

// DecryptBool releases the boolean behind a handle to an authorized party.
func (o *Oracle) DecryptBool(ctx context.Context, c Ciphertext, party common.Address) (bool, error) {
	if err := o.authorized(ctx, c, party); err != nil {
		return false, err
	}
	return o.opener.OpenBool(c)
}
