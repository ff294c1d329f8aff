package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// Correlation ids deterministically encode the strategy, grid slot and
// rotation of a placement. Re-submitting the same logical order produces the
// same id, which lets the exchange-side dedup absorb crash-replays, and lets
// the fill router recover the slot without a lookup table.
//
// Format: g-<strategyID>-<gridIndex>-<rotation>

const correlationPrefix = "g"

// CorrelationID builds the client order id for one logical placement
func CorrelationID(strategyID string, gridIndex, rotation int) string {
	return fmt.Sprintf("%s-%s-%d-%d", correlationPrefix, strategyID, gridIndex, rotation)
}

// ParseCorrelationID recovers (strategyID, gridIndex, rotation) from a client
// order id. ok is false for ids this system did not mint.
func ParseCorrelationID(id string) (strategyID string, gridIndex, rotation int, ok bool) {
	if !strings.HasPrefix(id, correlationPrefix+"-") {
		return "", 0, 0, false
	}
	rest := id[len(correlationPrefix)+1:]

	// strategy ids contain dashes (UUID), so split from the right
	last := strings.LastIndexByte(rest, '-')
	if last < 0 {
		return "", 0, 0, false
	}
	secondLast := strings.LastIndexByte(rest[:last], '-')
	if secondLast < 0 {
		return "", 0, 0, false
	}

	strategyID = rest[:secondLast]
	if strategyID == "" {
		return "", 0, 0, false
	}
	gridIndex, err := strconv.Atoi(rest[secondLast+1 : last])
	if err != nil || gridIndex < 0 {
		return "", 0, 0, false
	}
	rotation, err = strconv.Atoi(rest[last+1:])
	if err != nil || rotation < 0 {
		return "", 0, 0, false
	}
	return strategyID, gridIndex, rotation, true
}
