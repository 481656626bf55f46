package config

import "fmt"

// ConfigError reports a malformed or missing field of a rule. It is only
// returned while a rule is being built, never at run time.
type ConfigError struct {
	Rule  string
	Field string
	Err   error
}

// Errorf creates a ConfigError for field of rule
func Errorf(rule, field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Rule: rule, Field: field, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches rule and field to err. A nil err stays nil.
func Wrap(rule, field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Rule: rule, Field: field, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("rule %q: %v", e.Rule, e.Err)
	}
	return fmt.Sprintf("rule %q: %s: %v", e.Rule, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
