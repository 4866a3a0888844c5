// Package flows contains the orchestrators behind every Engine operation.
//
// Each flow function (RunSendCode, RunVerifyCode, RunChangeFinish, etc.)
// accepts the shared [Deps] set and returns results without side-effects
// beyond those dependencies. The Engine builds Deps once and stays thin.
//
// # Architecture boundaries
//
// Flow functions coordinate the token store, account store, customs gate,
// mailer and pusher. They do NOT own any of these resources; ownership stays
// with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import fxauth (to avoid import cycles).
//   - Decide wire errors itself. Every failure goes through the Errors set or
//     the MapCustomsError/MapStoreError hooks supplied by the Engine.
package flows
