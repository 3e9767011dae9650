package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAdapter delivers email-OTP codes (spec §4.8) and email-delivery
// CIBA/device-grant notifications (spec §4.9) via Amazon SES.
type SESAdapter struct {
	client *ses.Client
	from   string
}

// NewSESAdapter loads the default AWS config (environment, shared config
// file, or EC2/ECS role credentials — no credentials are ever hardcoded)
// and builds an SESAdapter that sends from the given verified address.
func NewSESAdapter(ctx context.Context, from string) (*SESAdapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}
	return &SESAdapter{client: ses.NewFromConfig(cfg), from: from}, nil
}

// Send delivers msg as a plain-text email to msg.Recipient.
func (a *SESAdapter) Send(ctx context.Context, msg Message) error {
	_, err := a.client.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(msg.Subject)},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: aws.String(msg.Body)},
			},
		},
	})
	return err
}
