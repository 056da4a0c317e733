package service

import (
	"errors"
	"fmt"
	"slices"
)

// Kind classifies a backend failure
type Kind string

const (
	KindConnectivity  Kind = "connectivity"
	KindBackend       Kind = "backend"
	KindNotFound      Kind = "not_found"
	KindSerialization Kind = "serialization"
	KindValidation    Kind = "validation"
)

// RequestOrigin tags the operation that failed
type RequestOrigin string

const (
	OriginGetInit                RequestOrigin = "GET_INIT"
	OriginCreatePayment          RequestOrigin = "CREATE_PAYMENT"
	OriginCreateToken            RequestOrigin = "CREATE_TOKEN"
	OriginGetPaymentMethods      RequestOrigin = "GET_PAYMENT_METHODS"
	OriginGetIdentificationTypes RequestOrigin = "GET_IDENTIFICATION_TYPES"
	OriginGetInstructions        RequestOrigin = "GET_INSTRUCTIONS"
	OriginAssociateToken         RequestOrigin = "ASSOCIATE_TOKEN"
	OriginGetPoints              RequestOrigin = "GET_POINTS"
)

// Backend cause codes
const (
	CauseInvalidIdentificationNumber  = "324"
	CauseInvalidESC                   = "E216"
	CauseInvalidFingerprint           = "E217"
	CauseInvalidPaymentWithESC        = "2107"
	CauseInvalidPaymentIdentification = "2067"
)

// HTTP-like statuses carried by backend exceptions
const (
	StatusBadRequest     = 400
	StatusNotFound       = 404
	StatusClientCanceled = 499
	StatusInternalError  = 500
)

// Cause is one reason attached to an exception
type Cause struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// APIException is the error body returned by the backend
type APIException struct {
	Status  int     `json:"status"`
	Error   string  `json:"error,omitempty"`
	Message string  `json:"message,omitempty"`
	Causes  []Cause `json:"cause,omitempty"`
}

// ContainsCause reports whether any cause has the given code
func (e *APIException) ContainsCause(code string) bool {
	if e == nil {
		return false
	}
	return slices.ContainsFunc(e.Causes, func(c Cause) bool { return c.Code == code })
}

// Error is returned by every Adapter method on failure
type Error struct {
	Kind      Kind
	Origin    RequestOrigin
	Status    int
	Exception *APIException
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Origin, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (%d)", e.Status)
	}
	if e.Exception != nil && e.Exception.Message != "" {
		msg += ": " + e.Exception.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ContainsCause reports whether the backend exception carries code
func (e *Error) ContainsCause(code string) bool {
	return e.Exception.ContainsCause(code)
}

// NewError builds an Error, taking the status from the exception when set
func NewError(kind Kind, origin RequestOrigin, exc *APIException, err error) *Error {
	e := &Error{Kind: kind, Origin: origin, Exception: exc, Err: err}
	if exc != nil {
		e.Status = exc.Status
	}
	return e
}

// AsError extracts a *Error from err
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsKind reports whether err is a service error of kind k
func IsKind(err error, k Kind) bool {
	se, ok := AsError(err)
	return ok && se.Kind == k
}

// HasCause reports whether err is a service error carrying cause code
func HasCause(err error, code string) bool {
	se, ok := AsError(err)
	return ok && se.ContainsCause(code)
}

// IsNotFound reports a not-found failure, whether classified or by status
func IsNotFound(err error) bool {
	se, ok := AsError(err)
	return ok && (se.Kind == KindNotFound || se.Status == StatusNotFound)
}
