package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Validator is implemented by config structs that need checks beyond the
// required tag. Validate runs after required fields pass. A returned
// *sserr.Error is passed through; anything else is wrapped as
// CodeValidation.
type Validator interface {
	Validate() error
}

func validate(cfg any, root reflect.Value) error {
	err := eachField(root, "", "", func(f leaf) error {
		if f.tag.Get("required") == "true" && f.value.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, coded := sserr.AsError(err); coded {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
	}
	return nil
}
