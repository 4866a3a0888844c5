package fxauth

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

type totpVector struct {
	ts   int64
	code string
}

func runTOTPVectors(t *testing.T, algorithm, rawSecret string, cases []totpVector) {
	t.Helper()
	m := newTOTPManager(TOTPConfig{
		Issuer:    "Firefox",
		Digits:    8,
		Period:    30,
		Algorithm: algorithm,
		Skew:      0,
	})
	secret := totpEncoding.EncodeToString([]byte(rawSecret))

	for _, tc := range cases {
		ok, counter, err := m.Verify(secret, tc.code, time.Unix(tc.ts, 0))
		if err != nil || !ok {
			t.Fatalf("%s vector failed at t=%d, ok=%v err=%v", algorithm, tc.ts, ok, err)
		}
		if counter != tc.ts/30 {
			t.Fatalf("%s vector at t=%d matched step %d, want %d", algorithm, tc.ts, counter, tc.ts/30)
		}
	}
}

func TestTOTPVerifyRFCVectorsSHA1(t *testing.T) {
	runTOTPVectors(t, "SHA1", "12345678901234567890", []totpVector{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
		{20000000000, "65353130"},
	})
}

func TestTOTPVerifyRFCVectorsSHA256(t *testing.T) {
	runTOTPVectors(t, "SHA256", "12345678901234567890123456789012", []totpVector{
		{59, "46119246"},
		{1111111109, "68084774"},
		{1111111111, "67062674"},
		{1234567890, "91819424"},
		{2000000000, "90698825"},
		{20000000000, "77737706"},
	})
}

func TestTOTPVerifyRFCVectorsSHA512(t *testing.T) {
	runTOTPVectors(t, "SHA512", "1234567890123456789012345678901234567890123456789012345678901234", []totpVector{
		{59, "90693936"},
		{1111111109, "25091201"},
		{1111111111, "99943326"},
		{1234567890, "93441116"},
		{2000000000, "38618901"},
		{20000000000, "47863826"},
	})
}

func TestTOTPDriftWindowAcceptsAdjacentStep(t *testing.T) {
	m := newTOTPManager(TOTPConfig{
		Issuer:    "Firefox",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	raw := []byte("12345678901234567890")
	now := time.Unix(1234567890, 0)
	prevCounter := (now.Unix() / 30) - 1
	code, err := hotpCode(raw, prevCounter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, counter, err := m.Verify(totpEncoding.EncodeToString(raw), code, now)
	if err != nil || !ok {
		t.Fatalf("expected skew code accepted, ok=%v err=%v", ok, err)
	}
	if counter != prevCounter {
		t.Fatalf("expected matched step %d, got %d", prevCounter, counter)
	}

	farCounter := (now.Unix() / 30) - 3
	far, _ := hotpCode(raw, farCounter, 6, "SHA1")
	if ok, _, _ := m.Verify(totpEncoding.EncodeToString(raw), far, now); ok {
		t.Fatal("expected code outside the skew window to be rejected")
	}
}

func TestTOTPWrongDigitsRejected(t *testing.T) {
	m := newTOTPManager(TOTPConfig{
		Issuer:    "Firefox",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	secret := totpEncoding.EncodeToString([]byte("12345678901234567890"))
	for _, code := range []string{"12345678", "12a456", ""} {
		ok, _, err := m.Verify(secret, code, time.Now())
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", code, err)
		}
		if ok {
			t.Fatalf("expected %q to be rejected", code)
		}
	}
}

func TestTOTPGenerateSecretAndURI(t *testing.T) {
	m := newTOTPManager(TOTPConfig{
		Issuer:    "Firefox",
		Digits:    6,
		Period:    30,
		Algorithm: "SHA1",
		Skew:      1,
	})
	secret, err := m.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	raw, err := totpEncoding.DecodeString(secret)
	if err != nil || len(raw) != totpSecretBytes {
		t.Fatalf("secret must decode to %d bytes, got %d err=%v", totpSecretBytes, len(raw), err)
	}

	uri := m.ProvisionURI(secret, "a@example.com")
	if !strings.HasPrefix(uri, "otpauth://totp/") {
		t.Fatalf("unexpected uri %q", uri)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("uri does not parse: %v", err)
	}
	if got := parsed.Query().Get("secret"); got != secret {
		t.Fatalf("uri secret = %q, want %q", got, secret)
	}
	if got := parsed.Query().Get("digits"); got != "6" {
		t.Fatalf("uri digits = %q", got)
	}
}

func TestTOTPVerifyRejectsGarbageSecret(t *testing.T) {
	m := newTOTPManager(TOTPConfig{Digits: 6, Period: 30, Skew: 1})
	if _, _, err := m.Verify("!!!not-base32", "123456", time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}
