// Package models defines the persisted records of the engine: encrypted
// balances, orders, matches, decryption grants, and the audit journal.
// Ciphertext fields hold opaque handles; plaintext values never appear here.
package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Journal operation names
const (
	JournalDeposit    = "deposit"
	JournalWithdraw   = "withdraw"
	JournalCreate     = "create_order"
	JournalCancel     = "cancel_order"
	JournalMatch      = "match_orders"
	JournalSettlement = "execute_settlement"
)

// Balance represents the encrypted balance of a (party, asset) pair.
// Created lazily on first touch, never deleted; the handle may represent
// zero. Only the ledger's deposit/withdraw and settlement write it.
type Balance struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Party     string    `json:"party" gorm:"uniqueIndex:idx_balance_party_asset" validate:"required"`
	Asset     string    `json:"asset" gorm:"uniqueIndex:idx_balance_party_asset" validate:"required"`
	Amount    []byte    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PartyAddress returns the balance owner as an address.
func (b *Balance) PartyAddress() common.Address { return common.HexToAddress(b.Party) }

// Order represents a confidential order. Amount, Price, MinFill and
// Remaining are ciphertext handles; everything else is public metadata.
// Remaining is select-updated by matching only and never grows.
type Order struct {
	ID         uint64    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Owner      string    `json:"owner" gorm:"index" validate:"required"`
	Asset      string    `json:"asset" gorm:"index" validate:"required"`
	Side       string    `json:"side" validate:"required,oneof=BUY SELL"`
	Amount     []byte    `json:"amount"`
	Price      []byte    `json:"price"`
	MinFill    []byte    `json:"min_fill"`
	Remaining  []byte    `json:"remaining"`
	Expiration time.Time `json:"expiration"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool { return o.Side == OrderSideBuy }

// OwnerAddress returns the order owner as an address.
func (o *Order) OwnerAddress() common.Address { return common.HexToAddress(o.Owner) }

// AssetAddress returns the traded asset as an address.
func (o *Order) AssetAddress() common.Address { return common.HexToAddress(o.Asset) }

// Match records a candidate fill between a buy and a sell order. Valid is
// the encrypted validity conjunction; a match is always recorded, whether
// or not it will ever move value. Settled flips false to true exactly once.
type Match struct {
	ID          uint64     `json:"id" gorm:"primaryKey;autoIncrement:false"`
	BuyOrderID  uint64     `json:"buy_order_id" gorm:"index"`
	SellOrderID uint64     `json:"sell_order_id" gorm:"index"`
	Buyer       string     `json:"buyer" gorm:"index"`
	Seller      string     `json:"seller" gorm:"index"`
	Asset       string     `json:"asset"`
	Fill        []byte     `json:"fill"`
	Valid       []byte     `json:"valid"`
	Effective   []byte     `json:"effective,omitempty"`
	Settled     bool       `json:"settled"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// BuyerAddress returns the buyer as an address.
func (m *Match) BuyerAddress() common.Address { return common.HexToAddress(m.Buyer) }

// SellerAddress returns the seller as an address.
func (m *Match) SellerAddress() common.Address { return common.HexToAddress(m.Seller) }

// Counter backs monotonic id assignment. Value is the last id handed out;
// ids are strictly increasing and never reused.
type Counter struct {
	Name  string `gorm:"primaryKey"`
	Value uint64
}

// AccessGrant records a party's right to request decryption of a handle.
type AccessGrant struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Handle    string    `json:"handle" gorm:"uniqueIndex:idx_grant_handle_party"`
	Party     string    `json:"party" gorm:"uniqueIndex:idx_grant_handle_party"`
	CreatedAt time.Time `json:"created_at"`
}

// ComplianceRecord is the stored attestation status for a party. The
// engine reads it through the compliance gate and never writes it.
type ComplianceRecord struct {
	Party     string    `json:"party" gorm:"primaryKey"`
	Allowed   bool      `json:"allowed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JournalEntry is an append-only audit record written once per mutating
// boundary operation, after its effects commit and still inside the
// serialized section. A failed append fails the operation's response.
type JournalEntry struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Op        string    `json:"op" gorm:"index"`
	Actor     string    `json:"actor" gorm:"index"`
	Asset     string    `json:"asset"`
	RefID     uint64    `json:"ref_id"`
	CreatedAt time.Time `json:"created_at"`
}
