package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeterministicID(t *testing.T) {
	a := NewDeterministicID("discovery.merged", "disc-1/ethercis-A")
	b := NewDeterministicID("discovery.merged", "disc-1/ethercis-A")
	c := NewDeterministicID("discovery.reverted", "disc-1/ethercis-A")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())

	parsed, err := uuid.Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}
