package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNHSNumber(t *testing.T) {
	n, err := ParseNHSNumber("9999999000")
	require.NoError(t, err)
	assert.Equal(t, "******9000", n.Masked())

	for _, bad := range []string{"", "999999900", "99999990000", "99999990a0", "999 999 9000"} {
		_, err := ParseNHSNumber(bad)
		assert.Error(t, err, bad)
	}
}

func TestHasValidChecksum(t *testing.T) {
	assert.True(t, NHSNumber("9434765919").HasValidChecksum())
	assert.False(t, NHSNumber("9434765918").HasValidChecksum())
	assert.False(t, NHSNumber("9999999000").HasValidChecksum())
}

func TestParsePatientID(t *testing.T) {
	_, err := ParsePatientID("9999999000", false)
	assert.NoError(t, err)

	_, err = ParsePatientID("9999999000", true)
	assert.Error(t, err)

	_, err = ParsePatientID("9434765919", true)
	assert.NoError(t, err)
}
