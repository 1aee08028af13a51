// Package notification renders and delivers account email, currently the
// password reset message. Delivery goes through an EmailSender and is retried
// with a fixed backoff.
package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const TemplatePasswordReset = "password-reset"

// EmailSender delivers one rendered message.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine holds templates with {{key}} placeholders. Safe for
// concurrent use.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.RegisterTemplate(Template{
		ID:      TemplatePasswordReset,
		Subject: "Reset your MedVault password",
		Body: "You asked to reset the password for {{email}}.\n\n" +
			"Open this link to choose a new one: {{reset_link}}\n\n" +
			"The link expires at {{expires_at}}. If you did not ask for this, ignore this email.",
	})
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render replaces {{key}} placeholders with data. Keys missing from data
// are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes messages to the log. Development only: reset links end
// up in plain text.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("email (not sent)")
	return nil
}

type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
}

// SMTPSender delivers through a relay with PLAIN auth when a username is
// set.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var a smtp.Auth
	if s.cfg.Username != "" {
		host := s.cfg.Addr
		if i := strings.LastIndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		a = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	return s.send(s.cfg.Addr, a, s.cfg.From, []string{to}, buildMessage(s.cfg.From, to, subject, body))
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// ---------------------------------------------------------------------------
// Mailer
// ---------------------------------------------------------------------------

// Mailer renders templates and hands them to an EmailSender, retrying
// failed deliveries.
type Mailer struct {
	sender    EmailSender
	templates *TemplateEngine
	resetURL  string
	attempts  int
	backoff   time.Duration
	logger    zerolog.Logger
}

type Option func(*Mailer)

func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Mailer) { m.attempts, m.backoff = attempts, backoff }
}

func WithLogger(l zerolog.Logger) Option { return func(m *Mailer) { m.logger = l } }

// NewMailer builds reset links as resetURL?token=<token>.
func NewMailer(sender EmailSender, resetURL string, opts ...Option) *Mailer {
	m := &Mailer{
		sender:    sender,
		templates: NewTemplateEngine(),
		resetURL:  resetURL,
		attempts:  3,
		backoff:   time.Second,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	return m
}

// SendPasswordReset mails the reset link for token.
func (m *Mailer) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	subject, body, err := m.templates.Render(TemplatePasswordReset, map[string]string{
		"email":      email,
		"reset_link": m.resetLink(token),
		"expires_at": expiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return err
	}
	return m.deliver(ctx, email, subject, body)
}

func (m *Mailer) resetLink(token string) string {
	sep := "?"
	if strings.Contains(m.resetURL, "?") {
		sep = "&"
	}
	return m.resetURL + sep + "token=" + url.QueryEscape(token)
}

func (m *Mailer) deliver(ctx context.Context, to, subject, body string) error {
	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if err = m.sender.SendEmail(ctx, to, subject, body); err == nil {
			return nil
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Str("subject", subject).Msg("email delivery failed")
		if attempt == m.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.backoff):
		}
	}
	return fmt.Errorf("deliver email after %d attempts: %w", m.attempts, err)
}
