package matching

import (
	"fmt"
	"strings"
)

// InputIncompleteError reports invoice materials that have no purchase order line.
// Evaluate still returns a complete analysis with those lines marked CRITICAL.
type InputIncompleteError struct {
	MaterialIds []string
}

func (e *InputIncompleteError) Error() string {
	return fmt.Sprintf("invoice references materials not on the purchase order: %s", strings.Join(e.MaterialIds, ", "))
}
