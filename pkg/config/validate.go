package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration. With requireSecrets set, both the
// runtime OAuth token and the Linear API key must be present.
func (c *Config) Validate(requireSecrets bool) error {
	c.Logging.Level = strings.ToUpper(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "WARN" {
		c.Logging.Level = "WARNING"
	}

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0])
		}
		return &Error{Field: "config", Msg: "validation failed", Err: err}
	}

	if c.Git.AutoPush && !c.Git.AutoCommit {
		return &Error{Field: "git.auto_push", Msg: "requires git.auto_commit to be enabled"}
	}
	if c.Git.AutoPush && c.Git.Remote == "" {
		return &Error{Field: "git.remote", Msg: "is required when auto_push is enabled"}
	}
	if c.Artifacts.Enabled && c.Artifacts.OutputDir == "" {
		return &Error{Field: "artifacts.output_dir", Msg: "is required when artifacts are enabled"}
	}

	if requireSecrets {
		if c.OAuthToken == "" {
			return &Error{Field: EnvOAuthToken, Msg: "is not set (run 'claude setup-token' and export it)"}
		}
		if c.LinearAPIKey == "" {
			return &Error{Field: EnvLinearAPIKey, Msg: "is not set (create a key at https://linear.app/settings/api)"}
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) *Error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = fmt.Sprintf("must be one of: %s", fe.Param())
	case "gte":
		msg = fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		msg = fmt.Sprintf("must be at most %s", fe.Param())
	case "excludesall":
		msg = "must be a bare program name"
	default:
		msg = fmt.Sprintf("failed the %q check", fe.Tag())
	}
	return &Error{Field: field, Msg: fmt.Sprintf("%s (got %v)", msg, fe.Value())}
}
