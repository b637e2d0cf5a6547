package iso8583

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAmount(t *testing.T) {
	tests := map[string]string{
		"000000001000": "10.00",
		"000000012345": "123.45",
		"5":            "0.05",
		"":             "0.00",
		"12AB":         "0.00",
		"-100":         "0.00",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatAmount(in), in)
	}
}

func TestAmount(t *testing.T) {
	assert.Equal(t, "000000001000", Amount(1000))
	assert.Equal(t, "10.00", FormatAmount(Amount(1000)))
}
