package commandline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

func TestHumanizeInt(t *testing.T) {
	assert.Equal(t, "7", humanizeInt(7))
	assert.Equal(t, "1_000", humanizeInt(1000))
	assert.Equal(t, "1_234_567", humanizeInt(1234567))
}
