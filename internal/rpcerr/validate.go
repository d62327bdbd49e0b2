// ABOUTME: Request parameter validation backed by go-playground/validator
// ABOUTME: Any validation failure maps to CodeBadRequest with a caller-supplied message

package rpcerr

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names so messages match what clients sent
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// "present" rejects an absent or null JSON value; {} and [] are accepted
	_ = v.RegisterValidation("present", func(fl validator.FieldLevel) bool {
		raw, ok := fl.Field().Interface().(json.RawMessage)
		if !ok {
			return !fl.Field().IsZero()
		}
		trimmed := bytes.TrimSpace(raw)
		return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
	})

	return v
}

// Validate checks req against its `validate` struct tags. On failure it
// returns a CodeBadRequest error whose message is msg followed by the
// offending fields.
func Validate(req any, msg string) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Wrap(CodeBadRequest, err, "%s", msg)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	sort.Strings(fields)

	return Wrap(CodeBadRequest, err, "%s (invalid: %s)", msg, strings.Join(fields, ", "))
}
