package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
)

// SESClient is the slice of the SES API the mailer uses.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig holds SES settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// SESMailer sends mail through AWS SES.
type SESMailer struct {
	client SESClient
	from   string
}

// NewSESMailer loads AWS config for cfg.Region and creates a mailer.
func NewSESMailer(ctx context.Context, cfg SESConfig) (*SESMailer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESMailerWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail), nil
}

// NewSESMailerWithClient creates a mailer over an existing client.
func NewSESMailerWithClient(client SESClient, from string) *SESMailer {
	return &SESMailer{client: client, from: from}
}

// Send delivers msg via SES.
func (m *SESMailer) Send(ctx context.Context, msg *Message) error {
	if m.from == "" {
		return Permanentf("ses not configured: from address is required")
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(msg.Text),
			Charset: aws.String("UTF-8"),
		},
	}
	if msg.HTML != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTML),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	if _, err := m.client.SendEmail(ctx, input); err != nil {
		return classifySES(err)
	}
	return nil
}

// Codes SES returns for requests that will fail the same way again.
var sesPermanentCodes = map[string]bool{
	"MessageRejected":                       true,
	"MailFromDomainNotVerifiedException":    true,
	"ConfigurationSetDoesNotExistException": true,
	"AccountSendingPausedException":         true,
	"InvalidParameterValue":                 true,
}

func classifySES(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && sesPermanentCodes[apiErr.ErrorCode()] {
		return &PermanentError{Err: fmt.Errorf("ses send failed: %w", err)}
	}
	return fmt.Errorf("ses send failed: %w", err)
}
