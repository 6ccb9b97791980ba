package validators

import (
	"net/http"
	"sync"
)

// DefaultMaxBodySize caps a job request body.
const DefaultMaxBodySize int64 = 100 * 1024

// RequestSizeValidator rejects job requests whose body is too large.
type RequestSizeValidator struct {
	maxSize int64
	mu      sync.RWMutex
}

func NewRequestSizeValidator(maxSize int64) *RequestSizeValidator {
	return &RequestSizeValidator{maxSize: maxSize}
}

// SetMaxSize updates the maximum allowed body size.
func (v *RequestSizeValidator) SetMaxSize(maxSize int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxSize = maxSize
}

func (v *RequestSizeValidator) MaxSize() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.maxSize
}

func (v *RequestSizeValidator) Validate(req *Request) error {
	if req.BodySize > v.MaxSize() {
		return &ValidationError{Status: http.StatusRequestEntityTooLarge, Message: "request exceeds maximum allowed size"}
	}
	return nil
}
