package validators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "MR01", SanitizeString("  MR01\t", 32))
	assert.Equal(t, "abc", SanitizeString("a\x00b\x07c", 0))
	assert.Equal(t, "riparazione\norlo", SanitizeString("riparazione\norlo", 100))
}

func TestSanitizeStringKeepsRunesWhole(t *testing.T) {
	// "Niccolò" is 8 bytes; cutting at 7 would split the ò
	assert.Equal(t, "Niccol", SanitizeString("Niccolò", 7))
	assert.Equal(t, "Niccolò", SanitizeString("Niccolò", 8))
}
