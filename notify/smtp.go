package notify

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"net/url"
	texttemplate "text/template"

	"gopkg.in/gomail.v2"
)

// SMTPConfig holds the outgoing mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// LinkBase is the public URL of the web client reset links point at.
	LinkBase string
}

// Validate reports missing settings.
func (c SMTPConfig) Validate() error {
	if c.Host == "" {
		return errors.New("smtp: host is required")
	}
	if c.Port <= 0 {
		return errors.New("smtp: port is required")
	}
	if c.From == "" {
		return errors.New("smtp: from address is required")
	}
	return nil
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer renders account emails and sends them over SMTP.
type SMTPMailer struct {
	config SMTPConfig
	dialer dialer
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer validates cfg and returns an [SMTPMailer].
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SMTPMailer{
		config: cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

type emailTemplate struct {
	subject string
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

func newEmailTemplate(subject, text, html string) emailTemplate {
	return emailTemplate{
		subject: subject,
		text:    texttemplate.Must(texttemplate.New("text").Parse(text)),
		html:    htmltemplate.Must(htmltemplate.New("html").Parse(html)),
	}
}

var (
	recoveryTemplate = newEmailTemplate(
		"Reset your password",
		"Someone asked to reset the password of your account.\n\nYour reset code: {{.Code}}\n\nOr follow this link: {{.Link}}\n\nRequest from {{.IP}} ({{.UserAgent}}).\n",
		`<p>Someone asked to reset the password of your account.</p><p>Your reset code: <strong>{{.Code}}</strong></p><p><a href="{{.Link}}">Reset password</a></p><p>Request from {{.IP}} ({{.UserAgent}}).</p>`,
	)
	passwordResetTemplate = newEmailTemplate(
		"Your password has been reset",
		"The password of your account was reset. All devices were signed out.\n\nRequest from {{.IP}} ({{.UserAgent}}).\n",
		`<p>The password of your account was reset. All devices were signed out.</p><p>Request from {{.IP}} ({{.UserAgent}}).</p>`,
	)
	passwordChangedTemplate = newEmailTemplate(
		"Your password has been changed",
		"The password of your account was changed. If this was not you, reset your password now.\n\nRequest from {{.IP}} ({{.UserAgent}}).\n",
		`<p>The password of your account was changed. If this was not you, reset your password now.</p><p>Request from {{.IP}} ({{.UserAgent}}).</p>`,
	)
)

type templateData struct {
	Code      string
	Link      string
	IP        string
	UserAgent string
}

func (m *SMTPMailer) SendRecoveryEmail(ctx context.Context, msg RecoveryEmail) error {
	return m.send(ctx, msg.To, recoveryTemplate, templateData{
		Code:      msg.Code,
		Link:      m.resetLink(msg),
		IP:        msg.IP,
		UserAgent: msg.UserAgent,
	})
}

func (m *SMTPMailer) SendPasswordResetEmail(ctx context.Context, msg AccountEmail) error {
	return m.send(ctx, msg.To, passwordResetTemplate, templateData{IP: msg.IP, UserAgent: msg.UserAgent})
}

func (m *SMTPMailer) SendPasswordChangedEmail(ctx context.Context, msg AccountEmail) error {
	return m.send(ctx, msg.To, passwordChangedTemplate, templateData{IP: msg.IP, UserAgent: msg.UserAgent})
}

func (m *SMTPMailer) resetLink(msg RecoveryEmail) string {
	if m.config.LinkBase == "" {
		return ""
	}
	u, err := url.Parse(m.config.LinkBase)
	if err != nil {
		return ""
	}
	u = u.JoinPath("complete_reset_password")
	q := u.Query()
	q.Set("token", msg.Token)
	q.Set("code", msg.Code)
	q.Set("email", msg.To)
	q.Set("uid", msg.UID)
	if msg.Service != "" {
		q.Set("service", msg.Service)
	}
	if msg.RedirectTo != "" {
		q.Set("redirectTo", msg.RedirectTo)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *SMTPMailer) send(ctx context.Context, to string, tpl emailTemplate, data templateData) error {
	if to == "" {
		return errors.New("smtp: no recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var text, html bytes.Buffer
	if err := tpl.text.Execute(&text, data); err != nil {
		return err
	}
	if err := tpl.html.Execute(&html, data); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", tpl.subject)
	msg.SetBody("text/plain", text.String())
	msg.AddAlternative("text/html", html.String())

	return m.dialer.DialAndSend(msg)
}
