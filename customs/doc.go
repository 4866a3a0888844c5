// Package customs is the anti-abuse gate consulted before sensitive account
// actions and notified after failed ones.
//
// Three strategies implement [Gate] and are chosen once, at construction,
// by [New]:
//
//   - [Disabled] (url "none"): every check passes; flag and reset do nothing.
//   - [Local] (url "redis"): fixed-window counters kept in Redis.
//   - [HTTPGate] (any other url): the remote customs service API.
//
// A blocked check returns a [*BlockedError]; a backend that cannot be reached
// or times out yields [ErrUnavailable], and callers fail closed on it.
package customs
