package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessages renders validator errors as field → message.
func validationMessages(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"body": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out[fe.Field()] = fmt.Sprintf("The %s field is required", fe.Field())
		case "oneof":
			out[fe.Field()] = fmt.Sprintf("The %s field must be one of: %s", fe.Field(), fe.Param())
		default:
			out[fe.Field()] = fmt.Sprintf("The %s field is invalid", fe.Field())
		}
	}
	return out
}

// decodeBody decodes and validates a JSON request body into v. On
// failure it writes a 400 response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, failure("invalid json"))
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "validation failed",
			"errors":  validationMessages(err),
		})
		return false
	}
	return true
}
