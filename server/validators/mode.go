package validators

import (
	"fmt"
	"sync"
)

// ModeValidator rejects job requests naming an unknown mode. An empty mode
// means the provider default.
type ModeValidator struct {
	validModes map[string]bool
	mu         sync.RWMutex
}

func NewModeValidator() *ModeValidator {
	return &ModeValidator{
		validModes: map[string]bool{
			"code":         true,
			"architect":    true,
			"ask":          true,
			"debug":        true,
			"orchestrator": true,
		},
	}
}

// AddMode registers a custom mode slug.
func (v *ModeValidator) AddMode(mode string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.validModes[mode] = true
}

func (v *ModeValidator) Validate(req *Request) error {
	if req.Mode == "" {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.validModes[req.Mode] {
		return &ValidationError{Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	return nil
}
