package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// BindErrorKind identifies which step of establishing a session failed.
type BindErrorKind int

const (
	BindErrBadSession        BindErrorKind = iota + 1 // Session or configuration unusable
	BindErrOpen                                       // Could not open a connection
	BindErrStrongFailed                               // Kerberos/GSSAPI authentication failed
	BindErrSimpleFailed                               // Simple bind rejected
	BindErrBadAuthType                                // Unknown authentication method
	BindErrUnsupportedMethod                          // Method compiled out of this build
)

func (k BindErrorKind) String() string {
	switch k {
	case BindErrBadSession:
		return "bad session"
	case BindErrOpen:
		return "open failed"
	case BindErrStrongFailed:
		return "strong authentication failed"
	case BindErrSimpleFailed:
		return "simple authentication failed"
	case BindErrBadAuthType:
		return "unknown authentication type"
	case BindErrUnsupportedMethod:
		return "authentication method not supported"
	default:
		return "unknown bind error"
	}
}

// BindError reports a failure to obtain an authenticated session.
type BindError struct {
	Kind       BindErrorKind
	Endpoint   string // host:port of the replica
	ResultCode uint16 // LDAP result code when the server answered
	Cause      error
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("bind to %s: %s", e.Endpoint, e.Kind)
	if e.ResultCode != 0 {
		msg += fmt.Sprintf(" (code %d)", e.ResultCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

func newBindError(kind BindErrorKind, endpoint string, cause error) *BindError {
	return &BindError{
		Kind:       kind,
		Endpoint:   endpoint,
		ResultCode: codeOf(cause),
		Cause:      cause,
	}
}

// codeOf returns the LDAP result code carried by err, or zero.
func codeOf(err error) uint16 {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode
	}
	return 0
}

// ResultCode maps an error returned by a protocol call to its LDAP result code.
// Errors that carry no result code are reported as a local error.
func ResultCode(err error) uint16 {
	if err == nil {
		return ldap.LDAPResultSuccess
	}
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode
	}
	var bindErr *BindError
	if errors.As(err, &bindErr) && bindErr.ResultCode != 0 {
		return bindErr.ResultCode
	}
	return ldap.LDAPResultLocalError
}

// IsServerDown reports whether code means the connection to the server is gone.
// go-ldap reports a dropped connection as ErrorNetwork rather than 81.
func IsServerDown(code uint16) bool {
	return code == ldap.LDAPResultServerDown || code == ldap.ErrorNetwork
}

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError describes a failed replication operation for operators.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // Target entry
	Endpoint  string        // host:port of the replica
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	if e.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("replica: %s", e.Endpoint))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError builds an LDAPError from a result code and the error that carried it.
// A nil err with a non-zero code still produces an error.
func NewLDAPError(operation, dn, endpoint string, code uint16, err error) *LDAPError {
	if err == nil && code == ldap.LDAPResultSuccess {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		DN:        dn,
		Endpoint:  endpoint,
		LDAPCode:  code,
		Cause:     err,
		Category:  categorizeError(code),
		Message:   getLDAPCodeMessage(code),
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.Err != nil {
		ldapErr.ServerMsg = resultErr.Err.Error()
	} else if err != nil {
		ldapErr.ServerMsg = err.Error()
	}

	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	// Authentication errors
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultAuthUnknown,
		ldap.LDAPResultAuthMethodNotSupported:
		return ErrorCategoryAuthentication

	// Permission errors
	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	// Not found errors
	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	// Conflict errors
	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConflict

	// Validation errors
	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultParamError:
		return ErrorCategoryValidation

	// Server errors
	case ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	// Connection errors
	case ldap.LDAPResultServerDown,
		ldap.ErrorNetwork,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.LDAPResultTimeout:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultSuccess:
		return "Operation completed successfully"
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "LDAP size limit exceeded"
	case ldap.LDAPResultAuthMethodNotSupported:
		return "Authentication method not supported"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultReferral:
		return "LDAP referral (not followed)"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultUnavailableCriticalExtension:
		return "Critical extension unavailable"
	case ldap.LDAPResultConfidentialityRequired:
		return "Confidentiality required"
	case ldap.LDAPResultNoSuchAttribute:
		return "Requested attribute does not exist"
	case ldap.LDAPResultUndefinedAttributeType:
		return "Attribute type is not defined"
	case ldap.LDAPResultInappropriateMatching:
		return "Inappropriate matching rule"
	case ldap.LDAPResultConstraintViolation:
		return "Constraint violation"
	case ldap.LDAPResultAttributeOrValueExists:
		return "Attribute or value already exists"
	case ldap.LDAPResultInvalidAttributeSyntax:
		return "Invalid attribute syntax"
	case ldap.LDAPResultNoSuchObject:
		return "Requested object does not exist"
	case ldap.LDAPResultAliasProblem:
		return "Alias problem"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultLoopDetect:
		return "Loop detected"
	case ldap.LDAPResultNamingViolation:
		return "Naming violation"
	case ldap.LDAPResultObjectClassViolation:
		return "Object class violation"
	case ldap.LDAPResultNotAllowedOnNonLeaf:
		return "Operation not allowed on non-leaf entry"
	case ldap.LDAPResultNotAllowedOnRDN:
		return "Operation not allowed on RDN"
	case ldap.LDAPResultEntryAlreadyExists:
		return "Entry already exists"
	case ldap.LDAPResultObjectClassModsProhibited:
		return "Object class modifications prohibited"
	case ldap.LDAPResultAffectsMultipleDSAs:
		return "Operation affects multiple DSAs"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultLocalError:
		return "Local error occurred"
	case ldap.LDAPResultEncodingError:
		return "Encoding error"
	case ldap.LDAPResultDecodingError:
		return "Decoding error"
	case ldap.LDAPResultTimeout:
		return "Operation timed out"
	case ldap.LDAPResultAuthUnknown:
		return "Unknown authentication method"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultParamError:
		return "Parameter error"
	case ldap.LDAPResultNoMemory:
		return "Out of memory"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	case ldap.LDAPResultNotSupported:
		return "Operation not supported"
	case ldap.ErrorNetwork:
		return "Connection to server lost"
	default:
		return fmt.Sprintf("Unknown LDAP error (code %d)", code)
	}
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var bindErr *BindError
	if errors.As(err, &bindErr) {
		if bindErr.Kind == BindErrOpen {
			return ErrorCategoryConnection
		}
		return ErrorCategoryAuthentication
	}

	return categorizeError(ResultCode(err))
}
