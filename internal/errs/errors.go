// Package errs defines the failure taxonomy shared by the segmenting pipeline.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds reported by ErrorKind.
const (
	KindConfiguration = "configuration"
	KindSourceIO      = "source_io"
	KindEncoder       = "encoder"
	KindConsistency   = "consistency"
	KindUnknown       = "unknown"
)

// Classifier is implemented by every error type in this package.
type Classifier interface {
	ErrorKind() string
}

// Kind returns the classification of err, or KindUnknown.
func Kind(err error) string {
	var c Classifier
	if errors.As(err, &c) {
		return c.ErrorKind()
	}
	return KindUnknown
}

// ConfigError reports an invalid or incomplete run configuration.
// It is raised before any output is produced.
type ConfigError struct {
	Field  string
	Reason string
}

// Configf builds a ConfigError with a formatted reason.
func Configf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// ErrorKind implements Classifier.
func (e *ConfigError) ErrorKind() string { return KindConfiguration }

// SourceIOError reports a missing or unreadable input (frame image, annotation file).
type SourceIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *SourceIOError) Error() string {
	return fmt.Sprintf("source %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SourceIOError) Unwrap() error { return e.Err }

// ErrorKind implements Classifier.
func (e *SourceIOError) ErrorKind() string { return KindSourceIO }

// EncoderError reports a failed external encoder invocation for one segment and profile.
type EncoderError struct {
	Ordinal  int
	Profile  string
	Variant  string
	ExitCode int
	// Stderr holds the tail of the encoder's diagnostic output.
	Stderr string
	Err    error
}

func (e *EncoderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "encode segment %d profile %s (%s): exit %d", e.Ordinal, e.Profile, e.Variant, e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		fmt.Fprintf(&b, "\n%s", tail)
	}
	return b.String()
}

func (e *EncoderError) Unwrap() error { return e.Err }

// ErrorKind implements Classifier.
func (e *EncoderError) ErrorKind() string { return KindEncoder }

// ConsistencyError reports an append that would corrupt a channel playlist.
type ConsistencyError struct {
	Channel  string
	Sequence int
	Reason   string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("manifest %s: sequence %d: %s", e.Channel, e.Sequence, e.Reason)
}

// ErrorKind implements Classifier.
func (e *ConsistencyError) ErrorKind() string { return KindConsistency }
