package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var cronDefValidator = newCronDefValidator()

// newCronDefValidator reports validation errors using each field's yaml
// tag (e.g. "min") rather than its Go struct name (e.g. "Min"), so error
// messages read in terms of the YAML the operator actually wrote.
func newCronDefValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CronDef is one named cron definition: an immutable (once read) schedule,
// command and target specification.
// Schedule fields follow conventional cron field syntax extended with
// Sec and Year; Sec defaults to "0" and Year defaults to "*" when absent
// from the YAML source.
type CronDef struct {
	Name string `yaml:"-"`

	Sec  string `yaml:"sec"`
	Min  string `yaml:"min" validate:"required"`
	Hour string `yaml:"hour" validate:"required"`
	Dom  string `yaml:"dom" validate:"required"`
	Mon  string `yaml:"mon" validate:"required"`
	Dow  string `yaml:"dow" validate:"required"`
	Year string `yaml:"year"`

	Command string `yaml:"command" validate:"required"`
	Cwd     string `yaml:"cwd"`
	User    string `yaml:"user" validate:"required"`

	Targets         []string `yaml:"targets" validate:"required,min=1"`
	TargetType      string   `yaml:"target_type" validate:"required"`
	NumberOfTargets int      `yaml:"number_of_targets" validate:"gte=0"`

	SoftTimeout int `yaml:"soft_timeout"`
	HardTimeout int `yaml:"hard_timeout"`

	Group string `yaml:"group"`
}

// applyDefaultsAndValidate fills in the optional fields' defaults
// (sec→"0", year→"*", cwd→"/") and then runs struct-tag validation over
// the required fields, returning a descriptive error naming the first
// violation. It mutates the receiver in place and rejects a cron outright
// rather than partially scheduling it.
func (c *CronDef) applyDefaultsAndValidate() error {
	if c.Sec == "" {
		c.Sec = "0"
	}
	if c.Year == "" {
		c.Year = "*"
	}
	if c.Cwd == "" {
		c.Cwd = "/"
	}

	if err := cronDefValidator.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: missing or invalid field %q (%s)", c.Name, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%s: %w", c.Name, err)
	}
	return nil
}
