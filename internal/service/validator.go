package service

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/thoas/go-funk"
)

var prettyValues = []string{"true", "false"}

// Validator wraps the form validator and the rules registered on it.
type Validator struct {
	validator *validator.Validate
}

type ValidationRule struct {
	Rule func(v *validator.Validate)
}

func NewValidator(rules ...ValidationRule) *Validator {
	v := &Validator{validator: validator.New()}
	for _, r := range rules {
		r.Rule(v.validator)
	}
	return v
}

// NewSubmissionValidator registers the rules used by task submission.
func NewSubmissionValidator() *Validator {
	return NewValidator(ValidationRule{
		Rule: func(v *validator.Validate) {
			_ = v.RegisterValidation("fetchable", fetchableURLValidator)
		},
	})
}

func fetchableURLValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	u, err := url.Parse(val)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (v *Validator) URL(raw string) error {
	if err := v.validator.Var(raw, "required,url,fetchable"); err != nil {
		return NewErrInvalidInput(CodeMalformed, "malformed url %q", raw)
	}
	return nil
}

// Pretty parses the optional pretty flag. Only the literals true and false are accepted.
func (v *Validator) Pretty(raw *string) (bool, error) {
	if raw == nil {
		return false, nil
	}
	if !funk.ContainsString(prettyValues, *raw) {
		return false, NewErrBadPretty(*raw)
	}
	return *raw == "true", nil
}

// ExecTime parses the optional exec_time field and checks it against the bounds.
func (v *Validator) ExecTime(raw *string, min, max, def int) (int, error) {
	if raw == nil {
		return def, nil
	}
	n, err := strconv.Atoi(*raw)
	if err != nil {
		return 0, NewErrBadExecTime(*raw, min, max)
	}
	if err := v.validator.Var(n, fmt.Sprintf("min=%d,max=%d", min, max)); err != nil {
		return 0, NewErrBadExecTime(*raw, min, max)
	}
	return n, nil
}

// Limit parses the optional limit query value. Zero, negative and non-numeric values are rejected.
func (v *Validator) Limit(raw *string, def int) (int, error) {
	if raw == nil {
		return def, nil
	}
	n, err := strconv.Atoi(*raw)
	if err != nil {
		return 0, NewErrBadLimit(*raw)
	}
	if err := v.validator.Var(n, "gte=1"); err != nil {
		return 0, NewErrBadLimit(*raw)
	}
	return n, nil
}
