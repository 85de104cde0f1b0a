package common

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DecodeAndValidate decodes a JSON body into payload and runs its validate tags.
func DecodeAndValidate(r *http.Request, payload interface{}) *AppError {
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		return NewAppError(http.StatusBadRequest, "Invalid request body", fmt.Errorf("%w: %v", ErrValidationFailed, err))
	}

	if err := validate.Struct(payload); err != nil {
		return NewAppError(http.StatusBadRequest, err.Error(), fmt.Errorf("%w: %v", ErrValidationFailed, err))
	}

	return nil
}
