package fxauth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AppError is the wire error of every Engine operation. It renders as
// {code, errno, error, message, ...Extra}.
//
// Two AppErrors match under errors.Is when their errnos match, so the
// package-level values below work as sentinels for errors built by the
// constructors.
type AppError struct {
	Code      int
	Errno     int
	ErrorName string
	Message   string
	Extra     map[string]any

	cause error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (errno %d): %v", e.Message, e.Errno, e.cause)
	}
	return fmt.Sprintf("%s (errno %d)", e.Message, e.Errno)
}

// Unwrap returns the internal cause, if any.
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches any AppError with the same errno.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Errno == e.Errno
}

// Retryable reports whether the client may repeat the request later.
func (e *AppError) Retryable() bool {
	return e.Errno == ErrnoTooManyRequests || e.Errno == ErrnoServiceUnavailable
}

func (e *AppError) with(extra map[string]any, cause error) *AppError {
	c := *e
	c.Extra = extra
	c.cause = cause
	return &c
}

func newAppError(code, errno int, message string) *AppError {
	return &AppError{
		Code:      code,
		Errno:     errno,
		ErrorName: http.StatusText(code),
		Message:   message,
	}
}

// Stable errnos shared with clients.
const (
	ErrnoAccountExists           = 101
	ErrnoUnknownAccount          = 102
	ErrnoIncorrectPassword       = 103
	ErrnoInvalidVerificationCode = 105
	ErrnoInvalidParameter        = 107
	ErrnoInvalidToken            = 110
	ErrnoTooManyRequests         = 114
	ErrnoRequestBlocked          = 125
	ErrnoUnverifiedSession       = 138
	ErrnoEmailTaken              = 139
	ErrnoSecondaryEmailReset     = 145
	ErrnoTotpTokenNotFound       = 155
	ErrnoInvalidTotpCode         = 183
	ErrnoServiceUnavailable      = 201
	ErrnoUnexpected              = 999
)

var (
	// ErrAccountExists is returned when creating an account for a registered email.
	ErrAccountExists = newAppError(http.StatusBadRequest, ErrnoAccountExists, "Account already exists")
	// ErrUnknownAccount is returned when no account owns the email.
	ErrUnknownAccount = newAppError(http.StatusBadRequest, ErrnoUnknownAccount, "Unknown account")
	// ErrIncorrectPassword is returned when authPW does not verify.
	ErrIncorrectPassword = newAppError(http.StatusBadRequest, ErrnoIncorrectPassword, "Incorrect password")
	// ErrInvalidVerificationCode matches every InvalidVerificationCode error.
	ErrInvalidVerificationCode = newAppError(http.StatusBadRequest, ErrnoInvalidVerificationCode, "Invalid verification code")
	// ErrInvalidParameter is returned for malformed requests.
	ErrInvalidParameter = newAppError(http.StatusBadRequest, ErrnoInvalidParameter, "Invalid parameter in request body")
	// ErrInvalidToken is returned for missing, unknown, expired or consumed bearer tokens.
	ErrInvalidToken = newAppError(http.StatusUnauthorized, ErrnoInvalidToken, "Invalid authentication token in request signature")
	// ErrTooManyRequests matches every TooManyRequests error.
	ErrTooManyRequests = newAppError(http.StatusTooManyRequests, ErrnoTooManyRequests, "Client has sent too many requests")
	// ErrRequestBlocked matches every RequestBlocked error.
	ErrRequestBlocked = newAppError(http.StatusBadRequest, ErrnoRequestBlocked, "The request was blocked for security reasons")
	// ErrUnverifiedSession is returned when a second factor is required.
	ErrUnverifiedSession = newAppError(http.StatusBadRequest, ErrnoUnverifiedSession, "Unverified session")
	// ErrEmailTaken is returned when a secondary email is already in use.
	ErrEmailTaken = newAppError(http.StatusBadRequest, ErrnoEmailTaken, "Email already exists")
	// ErrCannotResetPasswordWithSecondaryEmail is returned by send_code for non-primary addresses.
	ErrCannotResetPasswordWithSecondaryEmail = newAppError(http.StatusBadRequest, ErrnoSecondaryEmailReset, "Reset password with this email type is not currently supported")
	// ErrTotpTokenNotFound is returned when verifying a code before TOTP setup.
	ErrTotpTokenNotFound = newAppError(http.StatusBadRequest, ErrnoTotpTokenNotFound, "TOTP token not found")
	// ErrInvalidTotpCode is returned for a wrong TOTP code.
	ErrInvalidTotpCode = newAppError(http.StatusBadRequest, ErrnoInvalidTotpCode, "Invalid TOTP code")
	// ErrServiceUnavailable matches every ServiceUnavailable error.
	ErrServiceUnavailable = newAppError(http.StatusServiceUnavailable, ErrnoServiceUnavailable, "Service unavailable")
	// ErrUnexpected matches every Unexpected error.
	ErrUnexpected = newAppError(http.StatusInternalServerError, ErrnoUnexpected, "Unspecified error")
)

// InvalidVerificationCode carries the remaining tries and ttl (seconds) so
// clients can tell the user how many attempts are left.
func InvalidVerificationCode(tries int, ttl time.Duration) *AppError {
	return ErrInvalidVerificationCode.with(map[string]any{
		"tries": tries,
		"ttl":   secondsCeil(ttl),
	}, nil)
}

// TooManyRequests is returned for a customs block that expires.
func TooManyRequests(retryAfter time.Duration, localized string, unblock bool) *AppError {
	extra := map[string]any{
		"retryAfter":          secondsCeil(retryAfter),
		"retryAfterLocalized": localized,
	}
	if unblock {
		extra["verificationMethod"] = "email-captcha"
		extra["verificationReason"] = "login"
	}
	return ErrTooManyRequests.with(extra, nil)
}

// RequestBlocked is returned for a customs block without a retry window.
func RequestBlocked(unblock bool) *AppError {
	var extra map[string]any
	if unblock {
		extra = map[string]any{
			"verificationMethod": "email-captcha",
			"verificationReason": "login",
		}
	}
	return ErrRequestBlocked.with(extra, nil)
}

// ServiceUnavailable wraps a backend failure the client may retry.
func ServiceUnavailable(cause error) *AppError {
	return ErrServiceUnavailable.with(nil, cause)
}

// Unexpected wraps an unclassified failure.
func Unexpected(cause error) *AppError {
	return ErrUnexpected.with(nil, cause)
}

// InvalidParameter names the offending field in the message.
func InvalidParameter(detail string) *AppError {
	e := ErrInvalidParameter.with(nil, nil)
	if detail != "" {
		e.Extra = map[string]any{"validation": detail}
	}
	return e
}

// AsAppError converts any error to the wire error it should render as.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Unexpected(err)
}

// secondsCeil renders a remaining window in whole seconds, rounded up and
// floored at zero.
func secondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
