package iso8583

import (
	"fmt"
	"strconv"
)

// FormatAmount renders a field 4 minor-unit amount as a two-decimal string.
// Unparseable or negative input yields "0.00".
func FormatAmount(minor string) string {
	cents, err := strconv.ParseInt(minor, 10, 64)
	if err != nil || cents < 0 {
		return "0.00"
	}
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

// Amount renders minor units as a zero-padded 12-digit field 4 value.
func Amount(minor int64) string {
	return fmt.Sprintf("%012d", minor)
}
