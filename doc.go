// Package fxauth implements the password-forgot and password-change side of
// an account server: forgot tokens with pass codes and bounded tries,
// single-use account reset tokens, the password change handshake, and the
// sessions and second factor those flows depend on.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// fxauth is the public surface. It exposes [Engine], [Builder], [Config], the
// request and response types and the [AppError] wire error. Flow orchestration
// lives under internal/flows; persistence lives in the tokens and accounts
// packages; rate limiting is delegated to a customs gate.
//
// # What this package must NOT do
//
//   - Compare secrets with anything but constant-time comparisons.
//   - Let a notification failure fail the operation that triggered it.
//   - Import any sub-package that re-imports fxauth (no import cycles).
//
// # Consistency contract
//
// Every token mutation is one atomic store operation: of concurrent
// verifications of the same forgot token at most one yields an account reset
// token, and an account reset token is consumed at most once.
package fxauth
