// internal/service/email/service.go
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"time"
)

// Config holds the SMTP account reminders are sent from.
type Config struct {
	Host     string
	Port     string
	User     string
	Pass     string
	FromName string
	// Secure selects implicit TLS (465); otherwise STARTTLS is attempted.
	Secure bool
}

// Reminder is the data rendered into a reminder email.
type Reminder struct {
	Brand      string
	StoreName  string
	Headline   string
	AccessCode string
	ExpiresAt  time.Time
}

var reminderTmpl = template.Must(template.New("reminder").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8" /><title>{{.Brand}}</title></head>
<body style="font-family: Arial, sans-serif; background: #f6f8fa; padding: 30px;">
<div style="max-width: 600px; margin: auto; background: #fff; border-radius: 10px;">
  <div style="background: #0b7a3e; color: #fff; text-align: center; padding: 20px; font-size: 22px;">{{.Brand}}</div>
  <div style="padding: 25px; color: #333; line-height: 1.6;">
    <p>Hello {{.StoreName}},</p>
    <p>{{.Headline}}</p>
    <p>Your subscription expires on <strong>{{.ExpiresAt.Format "2 Jan 2006"}}</strong>.</p>
    <p>To renew, pay with account number <strong>{{.AccessCode}}</strong> as the reference.</p>
  </div>
  <div style="background: #f1f1f1; color: #555; text-align: center; padding: 15px; font-size: 13px;">&copy; {{.ExpiresAt.Year}} {{.Brand}}</div>
</div>
</body>
</html>
`))

// Mailer sends reminder emails over SMTP.
type Mailer struct {
	cfg    Config
	dialer net.Dialer
}

// NewMailer returns nil when no SMTP host is configured, which disables the
// email leg of notifications.
func NewMailer(cfg Config) *Mailer {
	if cfg.Host == "" {
		return nil
	}
	return &Mailer{cfg: cfg, dialer: net.Dialer{Timeout: 10 * time.Second}}
}

// RenderReminder builds the HTML body. Values are escaped by html/template.
func (m *Mailer) RenderReminder(r Reminder) (string, error) {
	if r.Brand == "" {
		r.Brand = m.cfg.FromName
	}
	var buf bytes.Buffer
	if err := reminderTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render reminder: %w", err)
	}
	return buf.String(), nil
}

// SendReminder renders r and sends it to to.
func (m *Mailer) SendReminder(ctx context.Context, to, subject string, r Reminder) error {
	body, err := m.RenderReminder(r)
	if err != nil {
		return err
	}
	return m.Send(ctx, to, subject, body)
}

// Send delivers one HTML message. ctx bounds the dial and the SMTP exchange.
func (m *Mailer) Send(ctx context.Context, to, subject, bodyHTML string) error {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)

	var (
		conn net.Conn
		err  error
	)
	if m.cfg.Secure {
		td := tls.Dialer{NetDialer: &m.dialer, Config: &tls.Config{ServerName: m.cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = m.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Quit()

	if !m.cfg.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if m.cfg.User != "" {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.cfg.User); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(m.message(to, subject, bodyHTML)); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return w.Close()
}

func (m *Mailer) message(to, subject, bodyHTML string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", m.cfg.FromName), m.cfg.User)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(bodyHTML)
	return b.Bytes()
}
