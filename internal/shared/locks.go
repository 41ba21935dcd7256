package shared

import "fmt"

// OrderLockKey builds the row lock key of an order aggregate.
func OrderLockKey(entity string, id int64) string {
	return fmt.Sprintf("order:%s:%d", entity, id)
}

// StockLockKey builds the row lock key of a stock balance.
func StockLockKey(warehouseID, productID int64) string {
	return fmt.Sprintf("stock:%d:%d", warehouseID, productID)
}
