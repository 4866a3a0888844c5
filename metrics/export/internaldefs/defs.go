package internaldefs

import (
	"github.com/MrEthical07/fxauth"
)

// Def names one exported series.
type Def struct {
	ID   fxauth.MetricID
	Name string
	Help string
}

// Counters lists every engine counter in exposition order.
var Counters = []Def{
	{fxauth.MetricForgotSendCode, "fxauth_password_forgot_send_code_total", "Password-forgot tokens issued."},
	{fxauth.MetricForgotResendCode, "fxauth_password_forgot_resend_code_total", "Recovery emails resent for a live token."},
	{fxauth.MetricForgotVerifySuccess, "fxauth_password_forgot_verify_success_total", "Pass codes exchanged for an account reset token."},
	{fxauth.MetricForgotVerifyFailure, "fxauth_password_forgot_verify_failure_total", "Rejected pass codes."},
	{fxauth.MetricForgotExhausted, "fxauth_password_forgot_exhausted_total", "Forgot tokens deleted after the last try."},
	{fxauth.MetricAccountReset, "fxauth_account_reset_total", "Completed account resets."},
	{fxauth.MetricPasswordChangeStart, "fxauth_password_change_start_total", "Password changes started."},
	{fxauth.MetricPasswordChangeFinish, "fxauth_password_change_finish_total", "Password changes completed."},
	{fxauth.MetricPasswordIncorrect, "fxauth_password_incorrect_total", "authPW mismatches."},
	{fxauth.MetricAccountCreated, "fxauth_account_created_total", "Accounts created."},
	{fxauth.MetricSignInSuccess, "fxauth_sign_in_success_total", "Successful sign-ins."},
	{fxauth.MetricSignInFailure, "fxauth_sign_in_failure_total", "Failed sign-ins."},
	{fxauth.MetricSessionCreated, "fxauth_session_created_total", "Session tokens created."},
	{fxauth.MetricSessionsInvalidated, "fxauth_sessions_invalidated_total", "Users whose tokens were all revoked."},
	{fxauth.MetricTOTPSuccess, "fxauth_totp_success_total", "Accepted TOTP codes."},
	{fxauth.MetricTOTPFailure, "fxauth_totp_failure_total", "Rejected TOTP codes."},
	{fxauth.MetricNotificationFailure, "fxauth_notification_failure_total", "Swallowed email and push failures."},
	{fxauth.MetricSecondaryEmailCreated, "fxauth_secondary_email_created_total", "Secondary emails added."},
	{fxauth.MetricCustomsBlocked, "fxauth_customs_blocked_total", "Requests refused by customs."},
	{fxauth.MetricCustomsSuspect, "fxauth_customs_suspect_total", "Customs verdicts marked suspect."},
	{fxauth.MetricCustomsUnavailable, "fxauth_customs_unavailable_total", "Customs checks that failed closed."},
}

// Histograms lists every engine histogram.
var Histograms = []Def{
	{fxauth.MetricCustomsLatency, "fxauth_customs_check_seconds", "Customs check latency."},
}

// AuditDropped is exported next to the engine metrics.
var AuditDropped = Def{Name: "fxauth_audit_dropped_total", Help: "Audit events dropped on a full dispatcher buffer."}

// Bucket is one histogram upper bound. Label is the Prometheus le value and
// Suffix its form in instrument names.
type Bucket struct {
	Label  string
	Suffix string
}

// Buckets mirror the engine's fixed latency buckets.
var Buckets = [8]Bucket{
	{"0.005", "0_005"},
	{"0.01", "0_01"},
	{"0.025", "0_025"},
	{"0.05", "0_05"},
	{"0.1", "0_1"},
	{"0.25", "0_25"},
	{"0.5", "0_5"},
	{"+Inf", "inf"},
}

// Cumulative turns raw per-bucket counts into cumulative counts. Missing
// buckets count as zero and extra ones are ignored.
func Cumulative(raw []uint64) [len(Buckets)]uint64 {
	var out [len(Buckets)]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
