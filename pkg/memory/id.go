package memory

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-character hex identifier for a Record.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("memory: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
