// Package validators holds the checks every job request passes before a job
// is created.
package validators

import (
	"errors"
	"net/http"
)

// Request is what the validators see of an incoming job request.
type Request struct {
	UserID     string
	RemoteAddr string
	BodySize   int64 // -1 when unknown
	Mode       string
}

// ClientKey identifies the caller for rate limiting.
func (r *Request) ClientKey() string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "addr:" + r.RemoteAddr
}

type Validator interface {
	Validate(req *Request) error
}

// ValidationError carries the HTTP status a rejected request is answered with.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StatusCode maps err to an HTTP status, defaulting to 400.
func StatusCode(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Status != 0 {
		return ve.Status
	}
	return http.StatusBadRequest
}

// Run applies validators in order and returns the first failure.
func Run(req *Request, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

// CreateDefaultValidators returns the standard set of validators.
func CreateDefaultValidators(rps, rpm int) []Validator {
	return []Validator{
		NewThrottling(rps, rpm),
		NewRequestSizeValidator(DefaultMaxBodySize),
		NewModeValidator(),
	}
}
