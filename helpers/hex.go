package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes a hex string, ignoring spaces so fixtures can be
// grouped by field. Panics on invalid input, use with constants only.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		panic(err)
	}
	return b
}
