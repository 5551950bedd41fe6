package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// FetchReason classifies retrieval failures.
type FetchReason string

const (
	NotFound        FetchReason = "not_found"
	NetworkError    FetchReason = "network_error"
	InvalidMetadata FetchReason = "invalid_metadata"
	// LocalStorage means the download could not be written on this host, e.g. a full disk.
	LocalStorage FetchReason = "local_storage"
)

// FetchError is returned by artifact sources.
type FetchError struct {
	Reason   FetchReason
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Location, e.Reason)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Location, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ChecksumMismatch is returned when a payload digest differs from the expected one.
type ChecksumMismatch struct {
	Kind     Kind
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("%s checksum mismatch: expected %s, got %s", e.Kind, e.Expected, e.Actual)
}

// TransportReason classifies zVM transfer failures.
type TransportReason string

const (
	AuthFailure TransportReason = "auth_failure"
	DeviceBusy  TransportReason = "device_busy"
	IOError     TransportReason = "io_error"
)

// TransportError is returned by the zVM transport.
type TransportError struct {
	Reason      TransportReason
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	dest := e.Destination
	if dest == "" {
		dest = "session"
	}
	if e.Err == nil {
		return fmt.Sprintf("transfer to %s: %s", dest, e.Reason)
	}
	return fmt.Sprintf("transfer to %s: %s: %v", dest, e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigReason classifies configuration problems.
type ConfigReason string

const (
	InvalidParameter  ConfigReason = "invalid_parameter"
	ConflictingSource ConfigReason = "conflicting_source"
)

// ConfigError reports invalid input. It is never retried.
type ConfigError struct {
	Reason  ConfigReason
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Message)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// IsFatal reports whether err makes the shared zVM session unusable.
func IsFatal(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Reason == AuthFailure
}

// IsRetryable reports whether the stage that produced err may be attempted again.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Reason == NetworkError
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Reason == DeviceBusy || te.Reason == IOError
	}
	return false
}

// IsCancellation reports whether err stems from context cancellation or expiry.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorKind returns the innermost taxonomy kind found in err's chain, such as
// "fetch/not_found" or "transport/device_busy".
func ErrorKind(err error) string {
	kind := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *FetchError:
			kind = "fetch/" + string(v.Reason)
		case *ChecksumMismatch:
			kind = "checksum_mismatch"
		case *TransportError:
			kind = "transport/" + string(v.Reason)
		case *ConfigError:
			kind = "config/" + string(v.Reason)
		}
	}
	if kind != "" {
		return kind
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
