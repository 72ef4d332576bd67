// Package mailer delivers rendered emails over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"mailflow/pkg/config"
	"mailflow/pkg/messaging"
)

// Sender is the delivery client the email handlers depend on.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type Config struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	FromName    string
	// ImplicitTLS dials TLS directly (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	ImplicitTLS bool
	Timeout     time.Duration
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUser,
		Password:    cfg.SMTPPassword,
		FromAddress: cfg.MailFromAddress,
		FromName:    cfg.MailFromName,
		ImplicitTLS: cfg.SMTPImplicitTLS,
		Timeout:     cfg.SMTPTimeout,
	}
}

type SMTPSender struct {
	cfg Config
}

func NewSMTPSender(cfg Config) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg}
}

// Send delivers one HTML message. Errors are *messaging.TransientDeliveryError
// or *messaging.PermanentContentError.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return messaging.Permanent("invalid recipient address", err)
	}

	msg, err := buildMessage(s.from(), rcpt, subject, htmlBody)
	if err != nil {
		return messaging.Permanent("build message", err)
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return classify("dial", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return classify("greeting", err)
	}
	defer client.Close()

	if !s.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return classify("starttls", err)
			}
		}
	}

	if s.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return classify("auth", err)
			}
		}
	}

	if err := client.Mail(s.cfg.FromAddress); err != nil {
		return classify("mail from", err)
	}
	if err := client.Rcpt(rcpt.Address); err != nil {
		return classify("rcpt to", err)
	}

	w, err := client.Data()
	if err != nil {
		return classify("data", err)
	}
	if _, err := w.Write(msg); err != nil {
		return classify("write body", err)
	}
	if err := w.Close(); err != nil {
		return classify("end data", err)
	}

	// The message is accepted once DATA completes; a failed QUIT does not
	// make it undelivered.
	_ = client.Quit()
	return nil
}

func (s *SMTPSender) from() *mail.Address {
	return &mail.Address{Name: s.cfg.FromName, Address: s.cfg.FromAddress}
}

func (s *SMTPSender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	if s.cfg.ImplicitTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.cfg.Host}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func buildMessage(from, to *mail.Address, subject, htmlBody string) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOf(from.Address))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}

// classify maps SMTP replies and network failures onto the delivery error
// taxonomy: 4xx and I/O problems are retryable, 5xx replies are not.
func classify(op string, err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 500 {
			return messaging.Permanent(fmt.Sprintf("smtp %s rejected with %d", op, reply.Code), err)
		}
		return messaging.Transient("smtp "+op, err)
	}
	return messaging.Transient("smtp "+op, err)
}
