package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	dataSize    = 32
	idSize      = 32
	infoPrefix  = "identity.mozilla.com/picl/v1/"
	maxCodeSize = 64
)

// ErrMalformedToken is returned when bearer token data cannot be parsed.
var ErrMalformedToken = errors.New("malformed token")

// Data is the random secret a token is minted from.
type Data [dataSize]byte

// NewData reads fresh token data from crypto/rand.
func NewData() (Data, error) {
	var d Data
	_, err := rand.Read(d[:])
	return d, err
}

func (d Data) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d was never set.
func (d Data) IsZero() bool {
	return d == Data{}
}

// ParseData decodes the hex bearer form of token data.
func ParseData(s string) (Data, error) {
	var d Data
	if len(s) != hex.EncodedLen(dataSize) {
		return d, ErrMalformedToken
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, ErrMalformedToken
	}
	return d, nil
}

// DeriveID maps token data to its storage identifier for the given kind.
func DeriveID(kind Kind, d Data) string {
	r := hkdf.New(sha256.New, d[:], nil, []byte(infoPrefix+string(kind)))
	var id [idSize]byte
	// hkdf only fails past 255*HashLen bytes of output.
	_, _ = io.ReadFull(r, id[:])
	return hex.EncodeToString(id[:])
}

// IDFromBearer parses bearer token data and derives its identifier.
func IDFromBearer(kind Kind, bearer string) (string, error) {
	d, err := ParseData(bearer)
	if err != nil {
		return "", err
	}
	return DeriveID(kind, d), nil
}

func newPassCode(size int) ([]byte, error) {
	if size <= 0 || size > maxCodeSize {
		return nil, errors.New("invalid pass code size")
	}
	code := make([]byte, size)
	_, err := rand.Read(code)
	return code, err
}

func mint(kind Kind) (Data, string, error) {
	d, err := NewData()
	if err != nil {
		return d, "", err
	}
	return d, DeriveID(kind, d), nil
}
