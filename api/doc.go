// Package api exposes the fxauth Engine over HTTP with gin.
//
// # Routes
//
// Every route lives under the group passed to [Register]. Routes that act on
// a token read it from an "Authorization: Bearer <hex>" header through
// [Bearer]; the Engine decides whether the token is valid.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It binds and
// validates request bodies, copies request attributes onto the context with
// the fxauth context helpers, and renders results and [fxauth.AppError]
// values. It does NOT implement authentication logic itself.
//
// # What this package must NOT do
//
//   - Parse or derive token identifiers (delegates to Engine).
//   - Access Redis or the account database.
//   - Decide errnos beyond mapping a bind failure to errno 107.
package api
