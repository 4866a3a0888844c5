// Package internal holds fxauth packages that are private to the module.
//
// # Sub-packages
//
//   - flows: flow orchestrators for the password forgot, reset, change,
//     sign-in and TOTP operations of the Engine
//   - l10n: Accept-Language negotiation and localized retry-after text
//
// # What this package must NOT do
//
//   - Export types that appear in the public fxauth API.
//   - Be imported by any package outside the fxauth module.
package internal
