package calc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateOracleAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	maxAge := 60 * time.Second

	assert.NoError(t, ValidateOracleAge(now.Add(-60*time.Second), now, maxAge))
	assert.NoError(t, ValidateOracleAge(now.Add(5*time.Second), now, maxAge))

	err := ValidateOracleAge(now.Add(-61*time.Second), now, maxAge)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "too stale")
}

func TestValidateFeeBps(t *testing.T) {
	assert.NoError(t, ValidateFeeBps(0))
	assert.NoError(t, ValidateFeeBps(10_000))
	assert.ErrorIs(t, ValidateFeeBps(10_001), ErrInvalidFeeRate)
}
