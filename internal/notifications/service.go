package notifications

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Recipient is a notification target resolved from a signer row.
type Recipient struct {
	Name     string
	Email    string
	Phone    string
	Channels []string
}

// Notifier is the external delivery collaborator. Every method is
// fire-and-forget: callers invoke it after their transaction commits and
// treat failures as audit events, never as rollbacks.
type Notifier interface {
	SendInvite(ctx context.Context, to Recipient, documentTitle, signURL, message string) error
	SendOTP(ctx context.Context, channel, recipient, code string) error
	SendCompleted(ctx context.Context, to Recipient, documentTitle string) error
	SendReminder(ctx context.Context, to Recipient, documentTitle string, daysLeft int) error
}

// Channel delivers one message over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, subject, body string) error
}

// Service fans a notification out over the recipient's auth channels.
type Service struct {
	channels map[string]Channel
	logger   *zap.Logger
}

func NewService(logger *zap.Logger, channels ...Channel) *Service {
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Service{channels: byName, logger: logger.With(zap.String("service", "notifications"))}
}

func (s *Service) send(ctx context.Context, to Recipient, subject, body string) error {
	var firstErr error
	for _, name := range to.Channels {
		ch, ok := s.channels[name]
		if !ok {
			s.logger.Warn("unknown notification channel", zap.String("channel", name))
			continue
		}
		recipient := to.Email
		if name == "WHATSAPP" {
			recipient = to.Phone
		}
		if recipient == "" {
			continue
		}
		if err := ch.Send(ctx, recipient, subject, body); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send via %s: %w", name, err)
		}
	}
	return firstErr
}

func (s *Service) SendInvite(ctx context.Context, to Recipient, documentTitle, signURL, message string) error {
	body := fmt.Sprintf("Olá %s, você foi convidado(a) a assinar %q.\n\n%s\n\nAcesse: %s", to.Name, documentTitle, message, signURL)
	return s.send(ctx, to, "Convite para assinatura: "+documentTitle, body)
}

func (s *Service) SendOTP(ctx context.Context, channel, recipient, code string) error {
	ch, ok := s.channels[channel]
	if !ok {
		return fmt.Errorf("unknown channel %s", channel)
	}
	return ch.Send(ctx, recipient, "Seu código de verificação", "Código: "+code)
}

func (s *Service) SendCompleted(ctx context.Context, to Recipient, documentTitle string) error {
	return s.send(ctx, to, "Documento concluído: "+documentTitle,
		fmt.Sprintf("Todas as partes assinaram %q. O documento finalizado está disponível.", documentTitle))
}

func (s *Service) SendReminder(ctx context.Context, to Recipient, documentTitle string, daysLeft int) error {
	return s.send(ctx, to, "Lembrete de assinatura: "+documentTitle,
		fmt.Sprintf("O documento %q expira em %d dia(s).", documentTitle, daysLeft))
}

// MaskRecipient hides most of a contact address for audit payloads.
func MaskRecipient(recipient string) string {
	if at := strings.IndexByte(recipient, '@'); at > 0 {
		local := recipient[:at]
		if len(local) > 2 {
			local = local[:2] + strings.Repeat("*", len(local)-2)
		}
		return local + recipient[at:]
	}
	if len(recipient) > 4 {
		return strings.Repeat("*", len(recipient)-4) + recipient[len(recipient)-4:]
	}
	return recipient
}
