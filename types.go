package fxauth

// Request and response types of the Engine. Key material and bearer tokens
// travel as lowercase hex; the json and binding tags describe the wire shape
// used by the HTTP layer.

// SendCodeRequest starts a password reset for a primary email.
type SendCodeRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Service    string `json:"service"`
	RedirectTo string `json:"redirectTo" binding:"omitempty,url"`
}

// PasswordForgotTokenResponse is returned by send_code and resend_code.
// TTL is in whole seconds.
type PasswordForgotTokenResponse struct {
	PasswordForgotToken string `json:"passwordForgotToken"`
	TTL                 int64  `json:"ttl"`
	CodeLength          int    `json:"codeLength"`
	Tries               int    `json:"tries"`
}

type VerifyCodeRequest struct {
	Code string `json:"code" binding:"required,hexadecimal"`
	// AccountResetWithRecoveryKey defers the reset notification to the
	// account reset call.
	AccountResetWithRecoveryKey bool `json:"accountResetWithRecoveryKey"`
}

type VerifyCodeResponse struct {
	AccountResetToken string `json:"accountResetToken"`
}

// ForgotStatusResponse reports the remaining tries and ttl (seconds) of a
// forgot token.
type ForgotStatusResponse struct {
	Tries int   `json:"tries"`
	TTL   int64 `json:"ttl"`
}

// ResetAccountRequest installs a new password with an account reset token.
// WrapKb is only kept on the recovery-key path; otherwise a fresh one is
// generated.
type ResetAccountRequest struct {
	AuthPW        string `json:"authPW" binding:"required,len=64,hexadecimal"`
	WrapKb        string `json:"wrapKb" binding:"omitempty,len=64,hexadecimal"`
	RecoveryKeyID string `json:"recoveryKeyId"`
	SessionToken  bool   `json:"sessionToken"`
	Keys          bool   `json:"-"`
}

// SessionResponse describes a freshly created session. AuthAt is in unix
// seconds. Session fields are empty when no session was requested.
type SessionResponse struct {
	UID           string `json:"uid"`
	SessionToken  string `json:"sessionToken,omitempty"`
	Verified      bool   `json:"verified"`
	AuthAt        int64  `json:"authAt,omitempty"`
	KeyFetchToken string `json:"keyFetchToken,omitempty"`
}

type ChangeStartRequest struct {
	Email     string `json:"email" binding:"required,email"`
	OldAuthPW string `json:"oldAuthPW" binding:"required,len=64,hexadecimal"`
}

type ChangeStartResponse struct {
	KeyFetchToken       string `json:"keyFetchToken"`
	PasswordChangeToken string `json:"passwordChangeToken"`
	Verified            bool   `json:"verified"`
}

// ChangeFinishRequest completes a password change. SessionToken is the hex
// session credential that started the change; without it no new session is
// created.
type ChangeFinishRequest struct {
	AuthPW       string `json:"authPW" binding:"required,len=64,hexadecimal"`
	WrapKb       string `json:"wrapKb" binding:"required,len=64,hexadecimal"`
	SessionToken string `json:"sessionToken" binding:"omitempty,hexadecimal"`
	Keys         bool   `json:"-"`
}

type CreateAccountRequest struct {
	Email  string `json:"email" binding:"required,email"`
	AuthPW string `json:"authPW" binding:"required,len=64,hexadecimal"`
	Locale string `json:"-"`
	Keys   bool   `json:"-"`
}

type SignInRequest struct {
	Email  string         `json:"email" binding:"required,email"`
	AuthPW string         `json:"authPW" binding:"required,len=64,hexadecimal"`
	Device *DeviceRequest `json:"device"`
	Keys   bool           `json:"-"`
}

// DeviceRequest registers the signing-in client so it receives push
// notifications.
type DeviceRequest struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	PushCallback  string `json:"pushCallback" binding:"omitempty,url"`
	PushPublicKey string `json:"pushPublicKey"`
}

// KeysResponse carries kA and wrapKb, hex encoded.
type KeysResponse struct {
	KA     string `json:"kA"`
	WrapKb string `json:"wrapKb"`
}

type AddSecondaryEmailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type TOTPSetupResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"qrCodeUrl"`
}

type VerifyTOTPRequest struct {
	Code string `json:"code" binding:"required,numeric"`
}

type VerifyTOTPResponse struct {
	Success bool `json:"success"`
}

// SessionStatus describes an authenticated session.
type SessionStatus struct {
	UID      string `json:"uid"`
	State    string `json:"state"`
	AAL      int    `json:"authenticatorAssuranceLevel"`
	Method   string `json:"verificationMethod"`
	DeviceID string `json:"deviceId,omitempty"`
}
