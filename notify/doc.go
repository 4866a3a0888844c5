// Package notify delivers the side-effect notifications of account flows:
// email through a [Mailer] and device push through a [Pusher].
//
// Delivery failures are returned to the caller, which decides whether to
// swallow them; the account engine logs and drops them once the state
// transition they report on has committed.
package notify
