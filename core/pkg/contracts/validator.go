package contracts

// Validator is the pluggable validate(message) port run against every decoded
// payload before its handler is invoked. A validation failure is a permanent
// fault: no retry, no redelivery, straight to the error queue.
type Validator interface {
	// Validate validates a struct based on its tags.
	Validate(data any) error

	// RegisterValidation registers a custom validation tag.
	RegisterValidation(tag string, fn ValidationFunc) error

	// RegisterTranslation overrides the error message for a tag.
	RegisterTranslation(tag string, message string) error
}

// ValidationFunc implements a custom validation tag.
type ValidationFunc func(field any) bool

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

// ValidationErrors is the error type validators return.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	return v[0].Message
}

// ToMap groups messages by field.
func (v ValidationErrors) ToMap() map[string][]string {
	result := make(map[string][]string)
	for _, e := range v {
		result[e.Field] = append(result[e.Field], e.Message)
	}
	return result
}
