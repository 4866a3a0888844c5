// Package password derives the server-side authentication material of an
// account from the client's authPW.
//
// # Derivation
//
// authPW is stretched with Argon2id over the per-account authSalt. Two keys
// are expanded from the stretched secret with HKDF-SHA256:
//
//	verifyHash  = HKDF(stretched, "identity.mozilla.com/picl/v1/verifyHash")
//	wrapwrapKey = HKDF(stretched, "identity.mozilla.com/picl/v1/wrapwrapKey")
//
// verifyHash is what the account store keeps; wrapwrapKey XOR-wraps the
// client's wrapKb so that a password change re-keys the stored wrapWrapKb.
//
// # What this package must NOT do
//
//   - Store or retrieve account records.
//   - Import any other fxauth package.
//   - Log authPW or any derived key.
package password
