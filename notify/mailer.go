package notify

import (
	"context"

	"go.uber.org/zap"
)

// RecoveryEmail carries the reset code of a password-forgot request.
type RecoveryEmail struct {
	To         string
	UID        string
	Code       string
	Token      string
	Service    string
	RedirectTo string
	Locale     string
	IP         string
	UserAgent  string
}

// AccountEmail is a plain account-event notification.
type AccountEmail struct {
	To        string
	UID       string
	Locale    string
	IP        string
	UserAgent string
}

// Mailer sends account emails.
type Mailer interface {
	SendRecoveryEmail(ctx context.Context, msg RecoveryEmail) error
	SendPasswordResetEmail(ctx context.Context, msg AccountEmail) error
	SendPasswordChangedEmail(ctx context.Context, msg AccountEmail) error
}

// LogMailer writes emails to a logger instead of sending them. It is meant
// for local development, where the code is read from the server log.
type LogMailer struct {
	Logger *zap.Logger
}

var _ Mailer = LogMailer{}

func (m LogMailer) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m LogMailer) SendRecoveryEmail(_ context.Context, msg RecoveryEmail) error {
	m.logger().Info("recovery email",
		zap.String("to", msg.To),
		zap.String("uid", msg.UID),
		zap.String("code", msg.Code),
		zap.String("service", msg.Service),
	)
	return nil
}

func (m LogMailer) SendPasswordResetEmail(_ context.Context, msg AccountEmail) error {
	m.logger().Info("password reset email", zap.String("to", msg.To), zap.String("uid", msg.UID))
	return nil
}

func (m LogMailer) SendPasswordChangedEmail(_ context.Context, msg AccountEmail) error {
	m.logger().Info("password changed email", zap.String("to", msg.To), zap.String("uid", msg.UID))
	return nil
}
