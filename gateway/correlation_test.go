package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDRoundtrip(t *testing.T) {
	strategyID := "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9"
	id := CorrelationID(strategyID, 7, 2)

	gotStrategy, gotIndex, gotRotation, ok := ParseCorrelationID(id)
	require.True(t, ok)
	assert.Equal(t, strategyID, gotStrategy)
	assert.Equal(t, 7, gotIndex)
	assert.Equal(t, 2, gotRotation)
}

func TestCorrelationIDDeterministic(t *testing.T) {
	a := CorrelationID("abc", 3, 0)
	b := CorrelationID("abc", 3, 0)
	assert.Equal(t, a, b)

	// a re-placement on the same slot bumps rotation and changes the id
	c := CorrelationID("abc", 3, 1)
	assert.NotEqual(t, a, c)
}

func TestParseCorrelationIDRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{
		"",
		"x-abc-1-0",
		"g-abc",
		"g-abc-notanumber-0",
		"g-abc-1-notanumber",
		"g--1-0",
		"web_abc123",
	} {
		_, _, _, ok := ParseCorrelationID(id)
		assert.False(t, ok, "id %q should not parse", id)
	}
}

func TestSignCanonicalizesParams(t *testing.T) {
	// signature must not depend on map iteration order
	a := sign("secret", map[string]string{"symbol": "BTCUSDT", "side": "BUY", "timestamp": "1000"})
	b := sign("secret", map[string]string{"timestamp": "1000", "side": "BUY", "symbol": "BTCUSDT"})
	assert.Equal(t, a, b)

	// known vector: HMAC-SHA256("secret", "a=1&b=2")
	got := sign("secret", map[string]string{"b": "2", "a": "1"})
	assert.Len(t, got, 64)
	assert.NotEqual(t, got, sign("other", map[string]string{"b": "2", "a": "1"}))
}
