package push

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hearth-app/hearth/internal/event"
)

// DigestComposer writes a one-line natural-language summary for a
// coalesced notification batch ("Swim class moved and two new photos")
// instead of the generic "{count} updates" template.
//
// Disabled when no API key is configured; the dispatcher falls back to
// the template digest, so the model is never on the delivery path's
// critical dependencies.
type DigestComposer struct {
	client  anthropic.Client
	model   anthropic.Model
	enabled bool
	logger  *log.Logger
}

// NewDigestComposer creates a composer. An empty apiKey disables it.
func NewDigestComposer(apiKey, model string, logger *log.Logger) *DigestComposer {
	if logger == nil {
		logger = log.New(os.Stderr, "[push:digest] ", log.LstdFlags)
	}
	if apiKey == "" {
		logger.Println("digest composer disabled: no API key configured")
		return &DigestComposer{enabled: false, logger: logger}
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &DigestComposer{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   anthropic.Model(model),
		enabled: true,
		logger:  logger,
	}
}

// Enabled reports whether the composer will call the model.
func (c *DigestComposer) Enabled() bool {
	return c != nil && c.enabled
}

// Compose summarizes a batch of events in one short sentence. Returns
// an error when the model call fails; callers fall back to templates.
func (c *DigestComposer) Compose(ctx context.Context, events []event.Event) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("digest composer disabled")
	}

	var lines []string
	for _, ev := range events {
		lines = append(lines, describeEvent(ev))
	}
	prompt := fmt.Sprintf(
		"Summarize these family-app changes in one friendly sentence under 15 words, "+
			"suitable as a push notification body. Changes:\n%s",
		strings.Join(lines, "\n"))

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("digest model call failed: %w", err)
	}

	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			return strings.TrimSpace(text), nil
		}
	}
	return "", fmt.Errorf("digest model returned no text")
}

// describeEvent renders one event as a short plain-text line for the
// prompt. No payload bodies beyond titles ever leave the process.
func describeEvent(ev event.Event) string {
	payload, err := event.DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return fmt.Sprintf("- %s", ev.Kind)
	}
	switch p := payload.(type) {
	case *event.ScheduleCreate:
		return fmt.Sprintf("- schedule item %q added (%s)", p.Title, p.StartsAt.Format("Mon 15:04"))
	case *event.ScheduleUpdate:
		if p.Title != nil {
			return fmt.Sprintf("- schedule item renamed to %q", *p.Title)
		}
		return "- a schedule item was rescheduled"
	case *event.ScheduleDelete:
		return "- a schedule item was removed"
	case *event.FeedPost:
		return "- a new activity was posted"
	case *event.FeedPin:
		if p.Pinned {
			return "- an activity was pinned"
		}
		return "- an activity was unpinned"
	}
	return fmt.Sprintf("- %s", ev.Kind)
}
