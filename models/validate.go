package models

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator shares gin's `binding` tag so request structs validate the same
// way whether they arrive over HTTP or are built in code.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.SetTagName("binding")
	})
	return validate
}

func validateStruct(v any) error {
	if err := Validator().Struct(v); err != nil {
		return InvalidInput("%s", err.Error())
	}
	return nil
}
