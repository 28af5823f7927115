package domain

import (
	"errors"
	"fmt"
)

// ErrorType is the closed taxonomy every failure is classified into.
type ErrorType string

const (
	TypeCapabilityNotFound  ErrorType = "CapabilityNotFound"
	TypeToolNotFound        ErrorType = "ToolNotFound"
	TypeUnresolvableRequest ErrorType = "UnresolvableRequest"
	TypeInstallationError   ErrorType = "InstallationError"
	TypeConnectionError     ErrorType = "ConnectionError"
	TypeInvocationError     ErrorType = "InvocationError"
	TypeCatalogLoadError    ErrorType = "CatalogLoadError"
	TypeUnknownError        ErrorType = "UnknownError"
)

var (
	ErrCapabilityNotFound  = errors.New("no server provides the requested capability")
	ErrToolNotFound        = errors.New("no matching tool on any candidate server")
	ErrUnresolvableRequest = errors.New("request could not be resolved to a capability")
	ErrInstallation        = errors.New("server installation failed")
	ErrConnection          = errors.New("server connection failed")
	ErrInvocation          = errors.New("tool invocation failed")
	ErrCatalogLoad         = errors.New("capability catalog could not be loaded")

	ErrServerNotFound    = errors.New("server not found in catalog")
	ErrMissingCredential = errors.New("required credential is not set")
	ErrConnectorClosed   = errors.New("connector is closed")
	ErrSessionDead       = errors.New("server session is no longer live")
)

// Error carries the taxonomy type plus the identifiers the classifier needs
// to interpolate its templates.
type Error struct {
	Type       ErrorType
	Op         string
	Message    string
	Capability string
	Server     string
	Tool       string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Type)
		}
		return fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Type)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Type, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// E builds a typed error. The message falls back to the cause's text.
func E(t ErrorType, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Type:    t,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

// Wrap attaches a type and op to err, preserving an existing typed error's
// classification.
func Wrap(t ErrorType, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		clone := *existing
		clone.Op = op
		return &clone
	}
	return E(t, op, "", err)
}

// TypeFrom extracts the taxonomy type for err. Typed errors win; bare
// sentinels are mapped; anything else is unrecognized.
func TypeFrom(err error) (ErrorType, bool) {
	if err == nil {
		return "", false
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Type != "" {
		return typed.Type, true
	}
	switch {
	case errors.Is(err, ErrCapabilityNotFound):
		return TypeCapabilityNotFound, true
	case errors.Is(err, ErrToolNotFound):
		return TypeToolNotFound, true
	case errors.Is(err, ErrUnresolvableRequest):
		return TypeUnresolvableRequest, true
	case errors.Is(err, ErrInstallation), errors.Is(err, ErrMissingCredential):
		return TypeInstallationError, true
	case errors.Is(err, ErrConnection), errors.Is(err, ErrConnectorClosed), errors.Is(err, ErrSessionDead):
		return TypeConnectionError, true
	case errors.Is(err, ErrInvocation):
		return TypeInvocationError, true
	case errors.Is(err, ErrCatalogLoad), errors.Is(err, ErrServerNotFound):
		return TypeCatalogLoadError, true
	default:
		return "", false
	}
}
