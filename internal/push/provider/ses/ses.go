// Package ses is the email fallback push provider, delivering
// notifications to caregivers over Amazon SES. Tokens are email
// addresses; households that never installed the mobile app still get
// schedule changes in their inbox.
//
// When no From address is configured the provider comes up disabled and
// reports every send as delivered without doing anything, so development
// environments need no AWS credentials.
package ses

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/hearth-app/hearth/internal/push/provider"
)

func init() {
	provider.Register("ses", New)
}

type sesProvider struct {
	client  *sesv2.Client
	from    string
	enabled bool
	logger  *log.Logger
}

// New creates the SES provider. With an empty From address the provider
// is disabled and skips all sends.
func New(settings provider.Settings) (provider.Provider, error) {
	logger := settings.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push:ses] ", log.LstdFlags)
	}

	if settings.From == "" {
		logger.Println("SES provider disabled: from address not configured")
		return &sesProvider{enabled: false, logger: logger}, nil
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(settings.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("ses: failed to load AWS config: %w", err)
	}

	logger.Printf("SES provider enabled: from=%s, region=%s", settings.From, settings.Region)
	return &sesProvider{
		client:  sesv2.NewFromConfig(cfg),
		from:    settings.From,
		enabled: true,
		logger:  logger,
	}, nil
}

func (p *sesProvider) Name() string {
	return "ses"
}

func (p *sesProvider) Send(ctx context.Context, batch []provider.Notification) ([]provider.Result, error) {
	results := make([]provider.Result, len(batch))

	if !p.enabled {
		for i, n := range batch {
			p.logger.Printf("skipping email to %s (provider disabled)", n.Token)
			results[i] = provider.Result{Token: n.Token, Status: provider.StatusDelivered}
		}
		return results, nil
	}

	// SES has no multicast call; submit per address and decompose the
	// outcomes ourselves.
	for i, n := range batch {
		results[i] = p.sendOne(ctx, n)
	}
	return results, nil
}

func (p *sesProvider) sendOne(ctx context.Context, n provider.Notification) provider.Result {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{n.Token},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(n.Title)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(n.Body)},
				},
			},
		},
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		if isAddressRejection(err) {
			return provider.Result{Token: n.Token, Status: provider.StatusTokenInvalid, Detail: err.Error()}
		}
		return provider.Result{Token: n.Token, Status: provider.StatusFailed, Detail: err.Error()}
	}
	return provider.Result{Token: n.Token, Status: provider.StatusDelivered}
}

// isAddressRejection detects permanent recipient failures, the email
// analogue of an invalid device token.
func isAddressRejection(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "BadRequestException") ||
		strings.Contains(msg, "MessageRejected") ||
		strings.Contains(msg, "not verified")
}
