package backup

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// MailConfig holds SMTP settings. UseTLS selects STARTTLS on a plain
// connection; otherwise the connection is TLS from the first byte.
type MailConfig struct {
	Host          string
	Port          int
	UseTLS        bool
	Username      string
	Password      string
	From          string
	To            []string
	SubjectPrefix string
	Timeout       time.Duration
	SourcePath    string
}

// Missing lists the required settings that are empty.
func (c MailConfig) Missing() []string {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "SMTP_USERNAME")
	}
	if c.Password == "" {
		missing = append(missing, "SMTP_PASSWORD")
	}
	if c.From == "" {
		missing = append(missing, "EMAIL_FROM")
	}
	if len(c.To) == 0 {
		missing = append(missing, "EMAIL_TO")
	}
	return missing
}

// ParseRecipients splits a comma-separated address list.
func ParseRecipients(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Mailer sends the memory content by mail.
type Mailer struct {
	cfg    MailConfig
	now    func() time.Time
	logger *slog.Logger
	// extra is appended to the client options, after the ones cfg implies.
	extra []mail.Option
}

// NewMailer builds a Mailer. A non-positive Timeout takes DefaultTimeout.
func NewMailer(cfg MailConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Mailer{cfg: cfg, now: time.Now, logger: logger}
}

func (m *Mailer) Config() MailConfig { return m.cfg }

// Send mails content as a backup message.
func (m *Mailer) Send(ctx context.Context, content string) error {
	if err := m.checkConfig(); err != nil {
		return err
	}
	stamp := m.now().Format("2006-01-02 15:04:05")
	subject := fmt.Sprintf("%s Agent Memory Backup - %s", m.cfg.SubjectPrefix, stamp)
	msg, err := BuildMessage(m.cfg.From, m.cfg.To, strings.TrimSpace(subject), m.now(),
		backupText(stamp, m.cfg.SourcePath, content),
		backupHTML(stamp, m.cfg.SourcePath, content),
	)
	if err != nil {
		return err
	}
	if err := m.deliver(ctx, msg); err != nil {
		return err
	}
	m.logger.Info("backup mail sent", "recipients", len(m.cfg.To))
	return nil
}

// SendTest mails a short message confirming the settings work.
func (m *Mailer) SendTest(ctx context.Context) error {
	if err := m.checkConfig(); err != nil {
		return err
	}
	subject := strings.TrimSpace(m.cfg.SubjectPrefix + " Test Email")
	msg, err := BuildMessage(m.cfg.From, m.cfg.To, subject, m.now(),
		"This is a test email from the agent memory server.\n\nYour email backup is configured correctly!\n",
		"",
	)
	if err != nil {
		return err
	}
	return m.deliver(ctx, msg)
}

func (m *Mailer) checkConfig() error {
	if missing := m.cfg.Missing(); len(missing) > 0 {
		return fmt.Errorf("email backup missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// clientOptions maps cfg onto go-mail. UseTLS is STARTTLS, required; without
// it the connection is TLS from the first byte.
func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.UseTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSL())
	}
	opts = append(opts, mail.WithPort(m.cfg.Port))
	return append(opts, m.extra...)
}

func (m *Mailer) deliver(ctx context.Context, msg *mail.Msg) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail via %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	return nil
}

// BuildMessage renders the message. With an empty htmlBody it is a single
// text/plain part, otherwise multipart/alternative. Parts are UTF-8 and
// quoted-printable.
func BuildMessage(from string, to []string, subject string, date time.Time, textBody, htmlBody string) (*mail.Msg, error) {
	if from == "" || len(to) == 0 {
		return nil, errors.New("mail needs a sender and at least one recipient")
	}
	msg := mail.NewMsg(mail.WithEncoding(mail.EncodingQP), mail.WithCharset(mail.CharsetUTF8))
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(date)
	msg.SetBodyString(mail.TypeTextPlain, textBody)
	if htmlBody != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, htmlBody)
	}
	return msg, nil
}

func backupText(stamp, source, content string) string {
	rule := strings.Repeat("=", 60)
	return fmt.Sprintf(`Agent Memory Backup
========================
Date: %s
File: %s
Size: %d characters

%s

%s

%s
End of backup
`, stamp, source, len([]rune(content)), rule, content, rule)
}

func backupHTML(stamp, source, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body>
<h2>Agent Memory Backup</h2>
<p><strong>Date:</strong> %s</p>
<p><strong>File:</strong> %s</p>
<p><strong>Size:</strong> %d characters</p>
<pre style="white-space: pre-wrap">%s</pre>
</body>
</html>
`, html.EscapeString(stamp), html.EscapeString(source), len([]rune(content)), html.EscapeString(content))
}
