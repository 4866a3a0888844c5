package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16

	// KeySize is the length of authPW, wrapKb and every derived key.
	KeySize = 32

	// Version tags the derivation so stored verifiers can be migrated.
	Version = 1

	infoVerifyHash  = "identity.mozilla.com/picl/v1/verifyHash"
	infoWrapwrapKey = "identity.mozilla.com/picl/v1/wrapwrapKey"
)

var (
	// ErrInvalidKeySize is returned for authPW or wrapKb values of the wrong length.
	ErrInvalidKeySize = errors.New("password: key material must be 32 bytes")
)

// Config tunes the Argon2id stretch.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
}

// DefaultConfig returns the production stretch parameters.
func DefaultConfig() Config {
	return Config{
		Memory:      64 * 1024,
		Time:        1,
		Parallelism: 4,
		SaltLength:  32,
	}
}

// Validate rejects parameters below the supported floor.
func (c Config) Validate() error {
	if c.Memory < minMemoryKB {
		return errors.New("password: argon2 memory must be >= 8192 KB")
	}
	if c.Time < minTimeCost {
		return errors.New("password: argon2 time must be >= 1")
	}
	if c.Parallelism < minParallelism {
		return errors.New("password: argon2 parallelism must be >= 1")
	}
	if c.SaltLength < minSaltLength {
		return errors.New("password: salt length must be >= 16")
	}
	return nil
}

// Stretcher derives [Password] values. It is safe for concurrent use.
type Stretcher struct {
	config Config
}

// NewStretcher validates cfg and returns a [Stretcher].
func NewStretcher(cfg Config) (*Stretcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Stretcher{config: cfg}, nil
}

// NewSalt returns a fresh random authSalt.
func (s *Stretcher) NewSalt() ([]byte, error) {
	salt := make([]byte, s.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Derive stretches authPW with authSalt.
func (s *Stretcher) Derive(authPW, authSalt []byte) (*Password, error) {
	if len(authPW) != KeySize {
		return nil, ErrInvalidKeySize
	}
	stretched := argon2.IDKey(authPW, authSalt, s.config.Time, s.config.Memory, s.config.Parallelism, KeySize)
	return &Password{
		verifyHash:  expand(stretched, infoVerifyHash),
		wrapwrapKey: expand(stretched, infoWrapwrapKey),
	}, nil
}

// Password is the material derived from one authPW and authSalt.
type Password struct {
	verifyHash  []byte
	wrapwrapKey []byte
}

// VerifyHash returns the verifier to persist for the account.
func (p *Password) VerifyHash() []byte {
	out := make([]byte, len(p.verifyHash))
	copy(out, p.verifyHash)
	return out
}

// Matches compares the derived verifier with a stored one in constant time.
func (p *Password) Matches(stored []byte) bool {
	return subtle.ConstantTimeCompare(p.verifyHash, stored) == 1
}

// Wrap turns the client's wrapKb into the stored wrapWrapKb.
func (p *Password) Wrap(wrapKb []byte) ([]byte, error) {
	return xor(wrapKb, p.wrapwrapKey)
}

// Unwrap recovers wrapKb from a stored wrapWrapKb.
func (p *Password) Unwrap(wrapWrapKb []byte) ([]byte, error) {
	return xor(wrapWrapKb, p.wrapwrapKey)
}

// RandomKey returns KeySize random bytes, used for fresh kA and wrapKb.
func RandomKey() ([]byte, error) {
	k := make([]byte, KeySize)
	_, err := rand.Read(k)
	return k, err
}

func expand(secret []byte, info string) []byte {
	out := make([]byte, KeySize)
	// hkdf only fails past 255*HashLen bytes of output.
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out)
	return out
}

func xor(a, b []byte) ([]byte, error) {
	if len(a) != KeySize || len(b) != KeySize {
		return nil, ErrInvalidKeySize
	}
	out := make([]byte, KeySize)
	subtle.XORBytes(out, a, b)
	return out, nil
}
