package tokens

import "time"

// Kind names a token type. It is part of the identifier derivation and of the
// storage key, so values must never change.
type Kind string

const (
	KindPasswordForgot Kind = "passwordForgotToken"
	KindAccountReset   Kind = "accountResetToken"
	KindPasswordChange Kind = "passwordChangeToken"
	KindSession        Kind = "sessionToken"
	KindKeyFetch       Kind = "keyFetchToken"
)

// VerificationMethod records how a session proved possession of the account.
type VerificationMethod uint8

const (
	MethodEmail VerificationMethod = iota
	MethodEmail2FA
	MethodTOTP2FA
	MethodRecoveryCode
)

func (m VerificationMethod) String() string {
	switch m {
	case MethodEmail:
		return "email"
	case MethodEmail2FA:
		return "email-2fa"
	case MethodTOTP2FA:
		return "totp-2fa"
	case MethodRecoveryCode:
		return "recovery-code"
	default:
		return "unknown"
	}
}

// ParseVerificationMethod maps a method name back to its value.
func ParseVerificationMethod(name string) (VerificationMethod, bool) {
	for m := MethodEmail; m <= MethodRecoveryCode; m++ {
		if m.String() == name {
			return m, true
		}
	}
	return 0, false
}

// Owner is the account a token is minted for.
type Owner struct {
	UID           string
	Email         string
	EmailVerified bool
}

// PasswordForgotToken is the bearer credential of a pending password reset.
type PasswordForgotToken struct {
	ID   string
	Data Data

	UID      string
	Email    string
	PassCode []byte
	Tries    int

	CreatedAt time.Time
	Lifetime  time.Duration
}

// TTL returns the remaining validity window. A token is usable only while
// TTL is strictly positive.
func (t *PasswordForgotToken) TTL(now time.Time) time.Duration {
	return t.CreatedAt.Add(t.Lifetime).Sub(now)
}

// FailAttempt consumes one try and reports whether the token is now exhausted.
// Tries never drops below zero.
func (t *PasswordForgotToken) FailAttempt() bool {
	if t.Tries > 0 {
		t.Tries--
	}
	return t.Tries <= 0
}

// AccountResetToken proves a verified reset code and authorizes one account reset.
type AccountResetToken struct {
	ID   string
	Data Data

	UID       string
	CreatedAt time.Time
	Lifetime  time.Duration
}

// TTL returns the remaining validity window.
func (t *AccountResetToken) TTL(now time.Time) time.Duration {
	return t.CreatedAt.Add(t.Lifetime).Sub(now)
}

// PasswordChangeToken authorizes a single change/finish call.
type PasswordChangeToken struct {
	ID   string
	Data Data

	UID       string
	CreatedAt time.Time
	Lifetime  time.Duration
}

// TTL returns the remaining validity window.
func (t *PasswordChangeToken) TTL(now time.Time) time.Duration {
	return t.CreatedAt.Add(t.Lifetime).Sub(now)
}

// SessionToken is a signed-in session.
type SessionToken struct {
	ID   string
	Data Data

	UID                string
	Email              string
	EmailVerified      bool
	TokenVerified      bool
	VerificationMethod VerificationMethod
	DeviceID           string
	UserAgent          string

	CreatedAt  time.Time
	LastAuthAt time.Time
	Lifetime   time.Duration
}

// AAL returns the authenticator assurance level. Unverified sessions are
// level 1 at most and second-factor methods raise a verified session to 2.
func (s *SessionToken) AAL() int {
	if !s.TokenVerified {
		return 1
	}
	switch s.VerificationMethod {
	case MethodTOTP2FA, MethodRecoveryCode:
		return 2
	default:
		return 1
	}
}

// KeyFetchToken releases the account key bundle exactly once.
type KeyFetchToken struct {
	ID   string
	Data Data

	UID           string
	KeyBundle     []byte
	EmailVerified bool
	CreatedAt     time.Time
	Lifetime      time.Duration
}

// SessionOptions describes a session to create.
type SessionOptions struct {
	Owner
	TokenVerified      bool
	VerificationMethod VerificationMethod
	DeviceID           string
	UserAgent          string
}

// KeyFetchOptions describes a key-fetch token to create.
type KeyFetchOptions struct {
	Owner
	KeyBundle []byte
}
