package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/period"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their YAML key so messages match the config file.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// fieldPath turns "Config.general.retention_days" into "general.retention_days".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func translateError(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %q)", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "excludesall":
		return fmt.Sprintf("%s must not contain any of %q", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation %q", field, fe.Tag())
	}
}

// Validate checks the configuration for logical errors and normalizes its paths.
// Every failure is ConfigInvalid.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fault.Wrap(fault.ConfigInvalid, err)
		}
		messages := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			messages = append(messages, translateError(fe))
		}
		return fault.New(fault.ConfigInvalid, "invalid configuration: %s", strings.Join(messages, "; "))
	}

	if err := c.validateSources(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}
	if _, err := period.Parse(c.General.Period); err != nil {
		return fault.New(fault.ConfigInvalid, "general.period: %w", err)
	}
	if err := c.validateEncryption(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}
	if err := c.validateNotification(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}
	if err := c.normalizePaths(); err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}
	return nil
}

// validateSources enforces unique names that are usable as a directory name
// directly below the destination root.
func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		switch {
		case src.Name == "":
			return fmt.Errorf("source names cannot be empty")
		case strings.ContainsAny(src.Name, `\/`):
			return fmt.Errorf("source name %q cannot contain path separators ('/' or '\\')", src.Name)
		case strings.HasPrefix(src.Name, "."):
			return fmt.Errorf("source name %q cannot start with a dot", src.Name)
		case src.Path == "":
			return fmt.Errorf("source %q has an empty path", src.Name)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	return nil
}

func (c *Config) validateEncryption() error {
	if !c.Encryption.Enabled {
		return nil
	}
	switch c.Encryption.Backend {
	case "openpgp":
		if c.Encryption.Keyring == "" {
			return fmt.Errorf("encryption.keyring is required for the openpgp backend")
		}
	case "gpg":
		if c.Encryption.GPGBinary == "" {
			return fmt.Errorf("encryption.gpg_binary cannot be empty for the gpg backend")
		}
	}
	return nil
}

func (c *Config) validateNotification() error {
	if !c.Notification.Enabled {
		return nil
	}
	switch c.Notification.Transport {
	case "smtp":
		s := c.Notification.SMTP
		if s.Server == "" || s.From == "" || len(s.To) == 0 {
			return fmt.Errorf("notification.smtp requires server, from and at least one recipient in to")
		}
	case "webhook":
		if c.Notification.Webhook.URL == "" {
			return fmt.Errorf("notification.webhook.url is required for the webhook transport")
		}
	}
	return nil
}

// normalizePaths expands '~' and makes every path absolute.
func (c *Config) normalizePaths() error {
	var err error
	if c.General.DestinationRoot, err = util.CleanAbsPath(c.General.DestinationRoot); err != nil {
		return fmt.Errorf("could not expand destination path: %w", err)
	}
	if c.General.StateDirectory != "" {
		if c.General.StateDirectory, err = util.CleanAbsPath(c.General.StateDirectory); err != nil {
			return fmt.Errorf("could not expand state directory: %w", err)
		}
	}
	if c.General.LogDirectory != "" {
		if c.General.LogDirectory, err = util.CleanAbsPath(c.General.LogDirectory); err != nil {
			return fmt.Errorf("could not expand log directory: %w", err)
		}
	}
	if c.Encryption.Keyring != "" {
		if c.Encryption.Keyring, err = util.CleanAbsPath(c.Encryption.Keyring); err != nil {
			return fmt.Errorf("could not expand keyring path: %w", err)
		}
	}
	if c.Metrics.Textfile != "" {
		if c.Metrics.Textfile, err = util.CleanAbsPath(c.Metrics.Textfile); err != nil {
			return fmt.Errorf("could not expand metrics textfile path: %w", err)
		}
	}
	for i := range c.Sources {
		if c.Sources[i].Path, err = util.CleanAbsPath(c.Sources[i].Path); err != nil {
			return fmt.Errorf("could not expand path of source %q: %w", c.Sources[i].Name, err)
		}
	}
	return nil
}
