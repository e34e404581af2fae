package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/soochol/ghachieve/internal/achieve"
)

const (
	defaultSMTPPort    = 587
	defaultSMTPSubject = "ghachieve run finished"
)

// SMTPSender emails the run summary. Auth is PLAIN with From as the
// username, and only when a password is configured.
type SMTPSender struct {
	// send defaults to smtp.SendMail; tests replace it.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPSender) Type() Channel { return ChannelSMTP }

func (s *SMTPSender) Send(_ context.Context, target *Target, message string) error {
	for field, v := range map[string]string{"to": target.To, "from": target.From, "host": target.Host} {
		if v == "" {
			return missingField(ChannelSMTP, field)
		}
	}
	port := target.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if target.Password != "" {
		auth = smtp.PlainAuth("", target.From, target.Password, target.Host)
	}
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, target.From, []string{target.To}, buildMail(target, message)); err != nil {
		return achieve.WrapError(achieve.ErrNetwork, "notify smtp", err)
	}
	return nil
}

func buildMail(target *Target, body string) []byte {
	subject := target.Subject
	if subject == "" {
		subject = defaultSMTPSubject
	}
	var b strings.Builder
	for _, h := range [][2]string{
		{"From", target.From},
		{"To", target.To},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=UTF-8"},
	} {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
