package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// RefModule identifies the document kind that caused a movement.
type RefModule string

const (
	// RefPurchase marks stock received by a completed purchase.
	RefPurchase RefModule = "PURCHASE"
	// RefSale marks stock issued by a completed sale.
	RefSale RefModule = "SALE"
	// RefAdjustment marks manual corrections and opening balances.
	RefAdjustment RefModule = "ADJUSTMENT"
)

// Key addresses one balance row.
type Key struct {
	WarehouseID int64
	ProductID   int64
}

func (k Key) less(o Key) bool {
	if k.WarehouseID != o.WarehouseID {
		return k.WarehouseID < o.WarehouseID
	}
	return k.ProductID < o.ProductID
}

func (k Key) String() string {
	return fmt.Sprintf("warehouse %d product %d", k.WarehouseID, k.ProductID)
}

// Balance summarises stock in warehouse per product.
type Balance struct {
	WarehouseID int64
	ProductID   int64
	Qty         int64
	UpdatedAt   time.Time
}

// Key returns the balance address.
func (b Balance) Key() Key {
	return Key{WarehouseID: b.WarehouseID, ProductID: b.ProductID}
}

// Adjustment is a signed quantity change for one key.
type Adjustment struct {
	WarehouseID int64
	ProductID   int64
	Delta       int64
}

// Batch groups adjustments applied atomically under one reference.
type Batch struct {
	RefModule   RefModule
	RefID       string
	Adjustments []Adjustment
	PostedAt    time.Time
}

// Movement is an append-only journal row written for every applied delta.
type Movement struct {
	ID           int64
	WarehouseID  int64
	ProductID    int64
	Delta        int64
	BalanceAfter int64
	RefModule    RefModule
	RefID        string
	PostedAt     time.Time
}

// MovementFilter narrows the stock card.
type MovementFilter struct {
	WarehouseID int64
	ProductID   int64
	From        time.Time
	To          time.Time
	Page        shared.Page
}

// Discrepancy reports a balance that disagrees with its journal.
type Discrepancy struct {
	Key     Key
	Balance int64
	Journal int64
}

// ReconcileReport summarises a balance versus journal comparison.
type ReconcileReport struct {
	CheckedAt     time.Time
	Keys          int
	Discrepancies []Discrepancy
}

// Shortage is returned when a batch would drive a balance negative.
type Shortage struct {
	Key       Key
	Available int64
	Required  int64
}

// Error implements error.
func (s *Shortage) Error() string {
	return fmt.Sprintf("inventory: %s: available %d, required %d", s.Key, s.Available, s.Required)
}

// Unwrap classifies the shortage as insufficient stock.
func (s *Shortage) Unwrap() error { return shared.ErrInsufficientStock }

// ErrBalanceNotFound indicates missing balance row.
var ErrBalanceNotFound = errors.New("inventory: balance not found")
