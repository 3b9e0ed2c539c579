package ids

import (
	"crypto/rand"
	"encoding/hex"
)

func New() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// NewMessage returns a message id with the msg_ prefix used throughout the
// sync log.
func NewMessage() string {
	return "msg_" + New()
}
