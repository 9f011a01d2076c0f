package mail

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers invitations through an SMTP relay.
type SMTPSender struct {
	Config SMTPConfig
	Logger *zap.Logger
	Send   SendFunc
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FromName == "" {
		cfg.FromName = "Workflow Manager"
	}
	return &SMTPSender{Config: cfg, Logger: logger, Send: smtp.SendMail}
}

func (s *SMTPSender) SendInvite(ctx context.Context, inv Invitation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	subject, body, err := RenderInvite(inv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	msg := buildMessage(s.Config, inv.To, subject, body)

	var auth smtp.Auth
	if s.Config.Username != "" && s.Config.Password != "" {
		auth = smtp.PlainAuth("", s.Config.Username, s.Config.Password, s.Config.Host)
	}
	addr := s.Config.Host + ":" + strconv.Itoa(s.Config.Port)
	send := s.Send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, s.Config.From, []string{inv.To}, msg); err != nil {
		s.Logger.Error("failed to send invitation",
			zap.String("to", inv.To),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	s.Logger.Info("invitation sent", zap.String("to", inv.To), zap.String("subject", subject))
	return nil
}

func buildMessage(cfg SMTPConfig, to, subject, body string) []byte {
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", cfg.FromName), cfg.From)
	}
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from, to, mime.QEncoding.Encode("utf-8", subject), body))
}
