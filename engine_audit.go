package fxauth

import (
	"context"
	"errors"
)

const (
	auditEventForgotSendCode     = "password_forgot_send_code"
	auditEventForgotResendCode   = "password_forgot_resend_code"
	auditEventForgotVerifyCode   = "password_forgot_verify_code"
	auditEventAccountReset       = "account_reset"
	auditEventPasswordChange     = "password_change"
	auditEventAccountCreate      = "account_create"
	auditEventSignIn             = "account_login"
	auditEventTOTPSetup          = "totp_setup"
	auditEventTOTPVerify         = "totp_verify"
	auditEventSecondaryEmail     = "recovery_email_create"
	auditEventCustomsBlocked     = "customs_blocked"
	auditEventCustomsSuspect     = "customs_suspect"
	auditEventCustomsUnavailable = "customs_unavailable"
)

// AuditErrorCode is the stable, credential-free error label of an audit event.
type AuditErrorCode string

const (
	auditErrAccountExists       AuditErrorCode = "account_exists"
	auditErrUnknownAccount      AuditErrorCode = "unknown_account"
	auditErrIncorrectPassword   AuditErrorCode = "incorrect_password"
	auditErrInvalidCode         AuditErrorCode = "invalid_verification_code"
	auditErrInvalidParameter    AuditErrorCode = "invalid_parameter"
	auditErrInvalidToken        AuditErrorCode = "invalid_token"
	auditErrRateLimited         AuditErrorCode = "rate_limited"
	auditErrBlocked             AuditErrorCode = "request_blocked"
	auditErrUnverifiedSession   AuditErrorCode = "unverified_session"
	auditErrEmailTaken          AuditErrorCode = "email_taken"
	auditErrSecondaryEmailReset AuditErrorCode = "secondary_email_reset"
	auditErrTOTPNotConfigured   AuditErrorCode = "totp_not_configured"
	auditErrTOTPInvalid         AuditErrorCode = "totp_invalid"
	auditErrUnavailable         AuditErrorCode = "backend_unavailable"
	auditErrInternal            AuditErrorCode = "internal_error"
)

// emitAudit matches the flow hook signature; ip and user agent come from ctx.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	uid string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    uid,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return auditErrInternal
	}

	switch appErr.Errno {
	case ErrnoAccountExists:
		return auditErrAccountExists
	case ErrnoUnknownAccount:
		return auditErrUnknownAccount
	case ErrnoIncorrectPassword:
		return auditErrIncorrectPassword
	case ErrnoInvalidVerificationCode:
		return auditErrInvalidCode
	case ErrnoInvalidParameter:
		return auditErrInvalidParameter
	case ErrnoInvalidToken:
		return auditErrInvalidToken
	case ErrnoTooManyRequests:
		return auditErrRateLimited
	case ErrnoRequestBlocked:
		return auditErrBlocked
	case ErrnoUnverifiedSession:
		return auditErrUnverifiedSession
	case ErrnoEmailTaken:
		return auditErrEmailTaken
	case ErrnoSecondaryEmailReset:
		return auditErrSecondaryEmailReset
	case ErrnoTotpTokenNotFound:
		return auditErrTOTPNotConfigured
	case ErrnoInvalidTotpCode:
		return auditErrTOTPInvalid
	case ErrnoServiceUnavailable:
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
