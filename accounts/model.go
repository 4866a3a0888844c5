package accounts

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownAccount = errors.New("unknown account")
	ErrEmailTaken     = errors.New("email already registered")
	ErrUnknownDevice  = errors.New("unknown device")
)

// ErrTOTPCounterUsed is returned when a TOTP time step is not newer than the
// last accepted one.
var ErrTOTPCounterUsed = errors.New("totp code already used")

// Account is the durable account record.
type Account struct {
	UID             string
	PrimaryEmail    string
	EmailVerified   bool
	AuthSalt        []byte
	VerifyHash      []byte
	WrapWrapKb      []byte
	KA              []byte
	VerifierVersion int
	VerifierSetAt   time.Time
	CreatedAt       time.Time
	Locale          string

	TOTPSecret  string
	TOTPEnabled bool

	// TOTPLastCounter is the time step of the last accepted TOTP code.
	TOTPLastCounter int64
}

// Email is one address attached to an account.
type Email struct {
	Email      string
	UID        string
	IsPrimary  bool
	IsVerified bool
	CreatedAt  time.Time
}

// Device is a client registered against a session.
type Device struct {
	ID             string
	UID            string
	SessionTokenID string
	Name           string
	Type           string
	PushCallback   string
	PushPublicKey  string
	CreatedAt      time.Time
}

// ResetData replaces the authentication material of an account.
type ResetData struct {
	AuthSalt        []byte
	VerifyHash      []byte
	WrapWrapKb      []byte
	VerifierVersion int
	VerifierSetAt   time.Time
}

// Store is the account persistence contract used by the engine.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	// AccountRecord finds the account owning email, primary or secondary.
	AccountRecord(ctx context.Context, email string) (*Account, error)
	Account(ctx context.Context, uid string) (*Account, error)
	Emails(ctx context.Context, uid string) ([]Email, error)
	AddEmail(ctx context.Context, uid, email string) error
	// ResetAccount swaps the authentication material and forgets every device.
	ResetAccount(ctx context.Context, uid string, data ResetData) error
	// SetTOTP stores the TOTP secret. Replacing the secret clears the last
	// used counter.
	SetTOTP(ctx context.Context, uid, secret string, enabled bool) error
	// UpdateTOTPLastUsedCounter records counter as spent. It fails with
	// ErrTOTPCounterUsed unless counter is newer than the stored one.
	UpdateTOTPLastUsedCounter(ctx context.Context, uid string, counter int64) error
	Devices(ctx context.Context, uid string) ([]Device, error)
	UpsertDevice(ctx context.Context, d Device) error
	Close() error
}

// NormalizeEmail lower-cases and trims an address for comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
