package connectors

import (
	"errors"
	"fmt"
)

// Reason is a short machine-readable failure cause.
type Reason string

const (
	ReasonTimeout           Reason = "timeout"
	ReasonNetwork           Reason = "network"
	ReasonServerError       Reason = "server_error"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonBadResponse       Reason = "bad_response"
	ReasonCredentialInvalid Reason = "credential_invalid"
	ReasonNoCredential      Reason = "no_credential"
	ReasonNotFound          Reason = "not_found"
	ReasonRejected          Reason = "rejected"
)

// TransientError is a failure worth retrying.
type TransientError struct {
	Reason Reason
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient: %s", e.Reason)
	}
	return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that retrying cannot fix.
type FatalError struct {
	Reason Reason
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fatal: %s", e.Reason)
	}
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(reason Reason, err error) error {
	return &TransientError{Reason: reason, Err: err}
}

// Fatal wraps err as a FatalError.
func Fatal(reason Reason, err error) error {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err is, or wraps, a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ReasonOf extracts the Reason from a classified error. Unclassified errors
// report ReasonNetwork.
func ReasonOf(err error) Reason {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonNetwork
}
