package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryFlags(t *testing.T) {
	t.Parallel()

	var f DeliveryFlags
	assert.False(t, f.Read())
	assert.False(t, f.Mentioned())
	assert.Equal(t, "none", f.String())

	f = f.Union(FlagMentioned)
	assert.True(t, f.Mentioned())
	assert.False(t, f.Read())

	f = f.Union(FlagRead)
	assert.True(t, f.Has(FlagRead|FlagMentioned))
	assert.Equal(t, "read|mentioned", f.String())

	// Persisted bit layout must not drift.
	assert.Equal(t, DeliveryFlags(1), FlagRead)
	assert.Equal(t, DeliveryFlags(2), FlagMentioned)
	assert.Equal(t, DeliveryFlags(3), f)

	// Unknown high bits are masked off by Union.
	assert.Equal(t, FlagRead, DeliveryFlags(0).Union(FlagRead|DeliveryFlags(0x80)))
	assert.False(t, f.Has(0))
}
