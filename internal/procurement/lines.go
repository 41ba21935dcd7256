package procurement

import (
	"fmt"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

func validateLines(entity string, id int64, lines []LineInput) error {
	if len(lines) == 0 {
		return shared.Validation(entity, id, "at least one line required")
	}
	for i, line := range lines {
		if err := validateLine(entity, id, line); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

func validateLine(entity string, id int64, line LineInput) error {
	if line.ProductID <= 0 {
		return shared.Validation(entity, id, "product required")
	}
	if line.Qty <= 0 {
		return shared.Validation(entity, id, fmt.Sprintf("quantity must be positive, got %d", line.Qty))
	}
	if line.Qty > shared.MaxLineQty {
		return shared.Validation(entity, id, fmt.Sprintf("quantity %d exceeds %d", line.Qty, shared.MaxLineQty))
	}
	return nil
}

func findLine(lines []Line, lineID int64) int {
	for i, line := range lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func lineNotFound(entity string, id, lineID int64) error {
	return shared.LineError(shared.ErrNotFound, entity, id, lineID, "line not found")
}
