package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIgnoresKeyOrder(t *testing.T) {
	a, err := Hash([]byte(`{"amount":"150.00","narration":"test","date":"20260101"}`))
	require.NoError(t, err)

	b, err := Hash([]byte(`{"narration":"test","date":"20260101","amount":"150.00"}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestHashDetectsContentChange(t *testing.T) {
	a, err := Hash([]byte(`{"amount":"150.00"}`))
	require.NoError(t, err)

	b, err := Hash([]byte(`{"amount":"150.01"}`))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashNestedObjects(t *testing.T) {
	a, err := Hash([]byte(`{"entry":{"ledger":"Cash","amount":"10"},"items":[{"b":2,"a":1}]}`))
	require.NoError(t, err)

	b, err := Hash([]byte(`{"items":[{"a":1,"b":2}],"entry":{"amount":"10","ledger":"Cash"}}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashRejectsInvalidJSON(t *testing.T) {
	_, err := Hash([]byte(`{not json`))
	assert.Error(t, err)
}

func TestMustHashFallsBackToRawBytes(t *testing.T) {
	// Не-JSON payload не должен ронять хеширование
	h := MustHash([]byte(`<xml/>`))
	assert.Len(t, h, 16)
	assert.Equal(t, h, MustHash([]byte(`<xml/>`)))
}
