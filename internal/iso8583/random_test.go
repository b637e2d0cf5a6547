package iso8583

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomDigits(t *testing.T) {
	for _, n := range []int{0, 1, 6, 12} {
		got := RandomDigits(n)
		assert.Len(t, got, n)
		assert.True(t, n == 0 || isDigits(got), got)
	}
}

func TestRandomApprovalCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		assert.Regexp(t, `^[0-9]{6}$`, RandomApprovalCode())
	}
}
