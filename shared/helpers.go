package shared

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for tasks, task instances and jobs.
func NewID() string {
	return uuid.NewString()
}

// RandomID returns a URL safe random token, used for stream connection ids.
func RandomID() string {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	if err != nil {
		panic(err)
	}
	return base64.URLEncoding.EncodeToString(key)
}
