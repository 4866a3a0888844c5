// Package tokens provides persistence for the short-lived, single-use bearer
// tokens of the account flows: password-forgot, account-reset, password-change,
// session and key-fetch tokens.
//
// # Token identity
//
// A token is minted from 32 random bytes of token data. Only the data is handed
// to the client; the store keys every record by an identifier derived from the
// data with HKDF-SHA256 ([DeriveID]), so a leaked store dump cannot be replayed
// as a credential.
//
// # Atomicity
//
// Every mutating operation of [Store] is atomic per token. [RedisStore] uses
// WATCH/MULTI optimistic transactions with bounded retries and [BoltStore] runs
// each operation inside a single bbolt write transaction. Callers never lock.
//
// # What this package must NOT do
//
//   - Import fxauth or any flow package (no upward imports).
//   - Persist token data; only derived identifiers are stored.
//   - Decide policy such as whether an expired forgot token may be resent.
package tokens
