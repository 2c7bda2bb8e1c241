package errors

import (
	"fmt"
	"strings"
)

// ParseError represents a test definition parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConfigError is a fatal configuration problem discovered before or while
// resolving a section: unknown option keys, unresolvable plugins, include
// patterns that matched nothing.
type ConfigError struct {
	Section string
	Keys    []string
	Message string
	Err     error
}

// NewConfigError constructs a ConfigError for the given section.
func NewConfigError(section, message string, err error) error {
	return &ConfigError{Section: section, Message: message, Err: err}
}

// NewUnsupportedOptionsError reports option keys that no schema accepts.
func NewUnsupportedOptionsError(section string, keys []string) error {
	return &ConfigError{
		Section: section,
		Keys:    append([]string(nil), keys...),
		Message: "unsupported options",
	}
}

func (e *ConfigError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Section != "" {
		fmt.Fprintf(&b, " in section [%s]", e.Section)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Keys) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(e.Keys, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying error.
func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExecutionError represents a runtime failure while executing a section.
type ExecutionError struct {
	Section string
	Err     error
}

// NewExecutionError constructs an ExecutionError.
func NewExecutionError(section string, err error) error {
	return &ExecutionError{Section: section, Err: err}
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Section != "" {
		return fmt.Sprintf("execution error in section %s: %v", e.Section, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PluginError indicates issues within plugin registration or resolution.
type PluginError struct {
	Plugin  string
	Message string
	Err     error
}

// NewPluginError constructs a PluginError for the given plugin name.
func NewPluginError(plugin string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &PluginError{Plugin: plugin, Message: message, Err: err}
}

func (e *PluginError) Error() string {
	if e == nil {
		return ""
	}
	if e.Plugin != "" {
		return fmt.Sprintf("plugin error [%s]: %s", e.Plugin, e.Message)
	}
	return fmt.Sprintf("plugin error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *PluginError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
