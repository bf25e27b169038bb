package registry

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/semflow/errors"
)

// ValidationError is one schema violation of a node's properties
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SchemaError collects the violations found by ValidateConfig
type SchemaError struct {
	Type   string
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Message))
	}
	return fmt.Sprintf("invalid %s properties: %s", e.Type, strings.Join(parts, "; "))
}

// Is matches errors.ErrInvalidData
func (e *SchemaError) Is(target error) bool { return target == errors.ErrInvalidData }

// Code returns the API error code
func (e *SchemaError) Code() string { return "invalid_properties" }

// ValidateConfig checks props against the JSON schema registered for typ.
// Types without a schema accept anything.
func (r *Registry) ValidateConfig(typ string, props map[string]any) error {
	r.mu.RLock()
	reg, ok := r.types[typ]
	r.mu.RUnlock()
	if !ok {
		return errors.NewMissingTypesError([]string{typ})
	}
	if reg.schema == nil {
		return nil
	}
	if props == nil {
		props = map[string]any{}
	}

	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(props))
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "ValidateConfig", "schema validation")
	}
	if result.Valid() {
		return nil
	}

	se := &SchemaError{Type: typ}
	for _, re := range result.Errors() {
		se.Errors = append(se.Errors, ValidationError{
			Field:   re.Field(),
			Message: re.Description(),
			Code:    re.Type(),
		})
	}
	return se
}
