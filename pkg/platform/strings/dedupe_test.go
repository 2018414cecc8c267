package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	assert.Equal(t, []string{"tsa", "polygon"}, DedupeAndTrim([]string{" tsa ", "polygon", "tsa", "", "  "}))
	assert.Empty(t, DedupeAndTrim(nil))
	assert.Empty(t, DedupeAndTrim([]string{"", "   "}))
}
