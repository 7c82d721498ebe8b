package order

import (
	"fmt"
	"strings"

	"trading-console/internal/model"
)

// ParseBrokerStatus maps a gateway order-status string onto the lifecycle.
// The gateway reports "Submitted" both before and after partial fills, so
// the cumulative filled quantity decides between acknowledged and
// partially_filled.
func ParseBrokerStatus(raw string, filled int64) (model.OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pendingsubmit", "apipending":
		return model.StatusSubmitted, nil
	case "presubmitted", "submitted":
		if filled > 0 {
			return model.StatusPartiallyFilled, nil
		}
		return model.StatusAcknowledged, nil
	case "partiallyfilled", "partially_filled":
		return model.StatusPartiallyFilled, nil
	case "filled":
		return model.StatusFilled, nil
	case "pendingcancel":
		// Still live until the cancel is confirmed.
		if filled > 0 {
			return model.StatusPartiallyFilled, nil
		}
		return model.StatusAcknowledged, nil
	case "cancelled", "apicancelled":
		return model.StatusCancelled, nil
	case "inactive", "rejected":
		return model.StatusRejected, nil
	case "acknowledged":
		return model.StatusAcknowledged, nil
	}
	return "", fmt.Errorf("unrecognized broker order status %q", raw)
}
