package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var validationMessages = map[string]func(field, param string) string{
	"required": func(field, _ string) string { return fmt.Sprintf("'%s' is required", field) },
	"email":    func(field, _ string) string { return fmt.Sprintf("'%s' must be a valid email", field) },
	"min":      func(field, param string) string { return fmt.Sprintf("'%s' must be at least %s characters", field, param) },
	"max":      func(field, param string) string { return fmt.Sprintf("'%s' must be at most %s characters", field, param) },
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
// Every failure wraps errInvalidInput.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errInvalidInput)
		}
		return fmt.Errorf("%w: malformed request body", errInvalidInput)
	}
	// The body must hold exactly one JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", errInvalidInput)
	}

	return s.validateStruct(dst)
}

func (s *Server) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if msg, ok := validationMessages[fe.Tag()]; ok {
			return fmt.Errorf("%w: %s", errInvalidInput, msg(fe.Field(), fe.Param()))
		}
		return fmt.Errorf("%w: '%s' is invalid", errInvalidInput, fe.Field())
	}
	return fmt.Errorf("%w: %v", errInvalidInput, err)
}
