package calc

import (
	"fmt"
	"time"
)

// ValidateOracleAge checks that a sample published at publishTime is no older
// than maxAge relative to now. Samples from the future are accepted.
func ValidateOracleAge(publishTime, now time.Time, maxAge time.Duration) error {
	age := now.Sub(publishTime)
	if age > maxAge {
		return fmt.Errorf("oracle data too stale: %v > %v", age, maxAge)
	}
	return nil
}

// ValidateFeeBps checks a fee rate is within [0, 10000].
func ValidateFeeBps(feeBps uint16) error {
	if feeBps > BpsDenominator {
		return fmt.Errorf("%w: %d", ErrInvalidFeeRate, feeBps)
	}
	return nil
}
