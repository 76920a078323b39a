package notification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"

	"github.com/jordan-wright/email"
	"github.com/nimasrn/donation-engine/pkg/logger"
)

type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

type Mail struct {
	To         string
	Subject    string
	Text       string
	HTML       string
	Attachment *Attachment
}

type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

type SMTPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
}

type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
}

func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp address %q: %w", cfg.Addr, err)
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPMailer{addr: cfg.Addr, auth: auth, from: cfg.From}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	em, err := buildEmail(m.from, mail)
	if err != nil {
		return err
	}
	if err := em.Send(m.addr, m.auth); err != nil {
		return fmt.Errorf("send mail to %s: %w", mail.To, err)
	}
	return nil
}

func buildEmail(from string, mail Mail) (*email.Email, error) {
	if mail.To == "" {
		return nil, fmt.Errorf("mail %q has no recipient", mail.Subject)
	}
	em := email.NewEmail()
	em.From = from
	em.To = []string{mail.To}
	em.Subject = mail.Subject
	em.Text = []byte(mail.Text)
	if mail.HTML != "" {
		em.HTML = []byte(mail.HTML)
	}
	if a := mail.Attachment; a != nil {
		if _, err := em.Attach(bytes.NewReader(a.Content), a.Filename, a.ContentType); err != nil {
			return nil, fmt.Errorf("attach %s: %w", a.Filename, err)
		}
	}
	return em, nil
}

// LogMailer writes mails to the log instead of sending them. Used when no
// SMTP server is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, mail Mail) error {
	em, err := buildEmail("noreply@localhost", mail)
	if err != nil {
		return err
	}
	raw, err := em.Bytes()
	if err != nil {
		return err
	}
	logger.Info("mail not sent, no smtp configured", "to", mail.To, "subject", mail.Subject, "size", len(raw))
	return nil
}
