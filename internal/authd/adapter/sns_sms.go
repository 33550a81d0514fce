package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"

	"github.com/taskhive/auth-core/internal/authd/app"
	"github.com/taskhive/auth-core/internal/domain"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SMS provider. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time interface satisfaction checks.
var _ app.SMSSender = (*SNSProvider)(nil)
var _ app.SMSSender = (*LogProvider)(nil)

// SNSProvider delivers verification messages via Amazon SNS SMS.
type SNSProvider struct {
	client   snsPublisher
	senderID string
}

// NewSNSProvider creates an SNSProvider backed by the given SNS client.
// senderID is optional; when set it is attached as the SMS sender ID.
func NewSNSProvider(client snsPublisher, senderID string) *SNSProvider {
	return &SNSProvider{client: client, senderID: senderID}
}

// Send publishes the message to the phone via SNS and returns the SNS
// message ID.
func (p *SNSProvider) Send(ctx context.Context, phone domain.PhoneNumber, message string) (string, error) {
	number := phone.String()
	input := &sns.PublishInput{
		PhoneNumber: &number,
		Message:     &message,
	}
	if p.senderID != "" {
		dataType := "String"
		input.MessageAttributes = map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {
				DataType:    &dataType,
				StringValue: &p.senderID,
			},
		}
	}

	out, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns sms: send to %s: %w", phone.Masked(), err)
	}
	if out.MessageId == nil {
		return "", nil
	}
	return *out.MessageId, nil
}

// Name identifies the provider in delivery audit entries.
func (p *SNSProvider) Name() string { return "sns" }

// LogProvider is a fake SMSSender that logs delivery instead of sending real
// SMS. Suitable for local development. The phone is masked and the message
// body is withheld because it carries the verification code.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider that writes delivery events to the
// given structured logger.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Send logs the delivery and never sends a real SMS.
func (p *LogProvider) Send(ctx context.Context, phone domain.PhoneNumber, message string) (string, error) {
	p.logger.InfoContext(ctx, "sms delivery (log-only)",
		slog.String("phone", phone.Masked()),
		slog.Int("message_len", len(message)),
	)
	return "log-" + uuid.NewString(), nil
}

// Name identifies the provider in delivery audit entries.
func (p *LogProvider) Name() string { return "log" }
