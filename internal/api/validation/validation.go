package validation

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/nkkko/notihub/internal/api/errors"
)

// MaxBodyBytes bounds every request body read through this package
const MaxBodyBytes = 64 << 10

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseOptional decodes a JSON body into v when one is present.
// It returns false without error for an empty body.
func ParseOptional(r *http.Request, v Validator) (bool, error) {
	if r.Body == nil {
		return false, nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes)).Decode(v)
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	if err := v.Validate(); err != nil {
		return false, err
	}
	return true, nil
}

// NotEmpty validates that a path or body field is set
func NotEmpty(field, value string) error {
	if value == "" {
		return errors.ValidationError("required_field", field+" is required")
	}
	return nil
}
