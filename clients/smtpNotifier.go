package clients

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"mime/quotedprintable"
	"net/smtp"
	"net/textproto"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Implements a simple SMTP-based email notifier, usable for local development
// and as the configurable backup behind the SES provider.

const SMTPPort = 587

type SMTPNotifierConfig struct {
	Host     string
	Username string
	Password string
	From     string `default:"noreply@gatehouse.io"`
}

func (s SMTPNotifierConfig) IsValid() bool {
	return s.Host != "" && s.Username != "" && s.Password != ""
}

func (s SMTPNotifierConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, SMTPPort)
}

func (s SMTPNotifierConfig) Auth() smtp.Auth {
	return smtp.PlainAuth("", s.Username, s.Password, s.Host)
}

func smtpNotifierConfigProvider() (SMTPNotifierConfig, error) {
	var config SMTPNotifierConfig
	if err := envconfig.Process("SMTP", &config); err != nil {
		return SMTPNotifierConfig{}, err
	}
	return config, nil
}

type SMTPNotifier struct {
	config SMTPNotifierConfig
}

func NewSMTPNotifier(config SMTPNotifierConfig) (*SMTPNotifier, error) {
	return &SMTPNotifier{
		config: config,
	}, nil
}

func (s *SMTPNotifier) Name() string { return ProviderSMTP }

func (s *SMTPNotifier) Send(ctx context.Context, target, subject, content string) error {
	if target == "" {
		return errors.New("notifier: target is missing")
	} else if subject == "" {
		return errors.New("notifier: subject is missing")
	} else if content == "" {
		return errors.New("notifier: content is missing")
	}

	if !s.config.IsValid() {
		return errors.New("notifier: SMTP config is invalid")
	}

	encodedMessage, err := s.encodeMessage(target, subject, content)
	if err != nil {
		return errors.Wrap(err, "notifier: encoding SMTP message")
	}

	if err := smtp.SendMail(s.config.Address(), s.config.Auth(), s.config.From, []string{target}, encodedMessage); err != nil {
		return errors.Wrap(err, "notifier: SMTP send failed")
	}

	return nil
}

func (s *SMTPNotifier) encodeMessage(to, subject, message string) ([]byte, error) {
	messageBuffer := &bytes.Buffer{}
	messageWriter := multipart.NewWriter(messageBuffer)

	fmt.Fprintf(messageBuffer, "To: %s\n", to)
	fmt.Fprintf(messageBuffer, "Subject: %s\n", subject)
	fmt.Fprintf(messageBuffer, "MIME-Version: 1.0\n")
	fmt.Fprintf(messageBuffer, "Content-Type: multipart/alternative; boundary=\"%s\"\n", messageWriter.Boundary())
	fmt.Fprintf(messageBuffer, "\n")

	textHeaders := textproto.MIMEHeader{}
	textHeaders.Add("Content-Type", "text/plain; charset=UTF-8")
	textHeaders.Add("Content-Transfer-Encoding", "7bit")
	textPart, err := messageWriter.CreatePart(textHeaders)
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(DefaultTextMessage)); err != nil {
		return nil, err
	}

	htmlHeaders := textproto.MIMEHeader{}
	htmlHeaders.Add("Content-Type", "text/html; charset=UTF-8")
	htmlHeaders.Add("Content-Transfer-Encoding", "quoted-printable")
	htmlPart, err := messageWriter.CreatePart(htmlHeaders)
	if err != nil {
		return nil, err
	}

	htmlBuffer := &bytes.Buffer{}
	htmlWriter := quotedprintable.NewWriter(htmlBuffer)
	if _, err := htmlWriter.Write([]byte(message)); err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write(htmlBuffer.Bytes()); err != nil {
		return nil, err
	}

	messageWriter.Close()

	return messageBuffer.Bytes(), nil
}
