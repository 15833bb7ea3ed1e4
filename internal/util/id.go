package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-char hex id used for request and job ids.
func NewID() string {
	return NewHexID(24)
}

// NewHexID returns n random lowercase hex characters.
func NewHexID(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
