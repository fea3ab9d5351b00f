package interfaces

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies protocol failures. Each kind has a fixed disposition:
// validation and verification failures are fatal, not-found is recoverable by
// generating first, transient failures are retried.
type ErrorKind int

const (
	ValidationError ErrorKind = iota
	NotFoundError
	VerificationError
	TransientNetworkError
	ConfigurationError
	UnavailableError
	NotSupportedError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationError:
		return "ValidationError"
	case NotFoundError:
		return "NotFoundError"
	case VerificationError:
		return "VerificationError"
	case TransientNetworkError:
		return "TransientNetworkError"
	case ConfigurationError:
		return "ConfigurationError"
	case UnavailableError:
		return "UnavailableError"
	case NotSupportedError:
		return "NotSupportedError"
	default:
		return "UnknownError"
	}
}

// HTTPStatus maps the kind to the status code used at the HTTP boundary.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ValidationError:
		return http.StatusBadRequest
	case NotFoundError:
		return http.StatusNotFound
	case VerificationError:
		return http.StatusUnauthorized
	case TransientNetworkError:
		return http.StatusBadGateway
	case UnavailableError:
		return http.StatusServiceUnavailable
	case NotSupportedError:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus maps an HTTP status code back to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusBadRequest:
		return ValidationError
	case status == http.StatusNotFound:
		return NotFoundError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return VerificationError
	case status == http.StatusServiceUnavailable:
		return UnavailableError
	case status == http.StatusMethodNotAllowed:
		return NotSupportedError
	case status == http.StatusRequestTimeout || status == http.StatusConflict || status >= 500:
		return TransientNetworkError
	default:
		return ValidationError
	}
}

// Stable error codes surfaced to callers.
const (
	CodePolicyMissing                       = "PolicyMissing"
	CodeSnpKeyMissing                       = "SnpKeyMissing"
	CodeHostDataKeyMissing                  = "HostDataKeyMissing"
	CodeInvalidHostData                     = "InvalidHostData"
	CodeBadInput                            = "BadInput"
	CodeInvalidSignaturesCount              = "InvalidSignaturesCount"
	CodeInvalidNetworkSecurityPolicyContent = "InvalidNetworkSecurityPolicyContent"
	CodeMissingSigner                       = "MissingSigner"
	CodeBadSignature                        = "BadSignature"
	CodePolicySignerNotFound                = "PolicySignerNotFound"
	CodeNotSupported                        = "NotSupported"

	CodeAttestationMissing         = "AttestationMissing"
	CodeVerifySnpAttestationFailed = "VerifySnpAttestationFailed"
	CodeTeeDebugModeEnabled        = "TeeDebugModeEnabled"
	CodeSecurityPolicyNotSet       = "SecurityPolicyNotSet"
	CodeHostDataMismatch           = "HostDataMismatch"
	CodeReportDataMismatch         = "ReportDataMismatch"
	CodeDataMissing                = "DataMissing"
	CodeSignatureMissing           = "SignatureMissing"
	CodePublicKeyMissing           = "PublicKeyMissing"
	CodeSignatureMismatch          = "SignatureMismatch"
	CodeCannotRemoveSelf           = "CannotRemoveSelf"

	CodeMemberNameMissing     = "MemberNameMissing"
	CodeStateDigestMissing    = "StateDigestMissing"
	CodeEncryptedShareMissing = "EncryptedShareMissing"
	CodeMemberNotFound        = "MemberNotFound"
	CodeSigningKeyNotFound    = "SigningKeyNotFound"
	CodeEncryptionKeyNotFound = "EncryptionKeyNotFound"
	CodeServiceCertNotFound   = "ServiceCertNotFound"

	CodeConfigurationInvalid = "ConfigurationInvalid"
)

// Error is a protocol failure with a stable code and a human readable message.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a coded error of the given kind.
func NewError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error of the given kind wrapping err.
func WrapError(kind ErrorKind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError extracts a coded error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsKind reports whether err is a coded error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}
