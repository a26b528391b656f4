// Package logonly is the development push provider: it logs every
// notification and reports success. Useful for local runs and tests
// where no real provider credentials exist.
package logonly

import (
	"context"
	"log"
	"os"

	"github.com/hearth-app/hearth/internal/push/provider"
)

func init() {
	provider.Register("logonly", New)
}

type logProvider struct {
	logger *log.Logger
}

// New creates the log-only provider.
func New(settings provider.Settings) (provider.Provider, error) {
	logger := settings.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[push:logonly] ", log.LstdFlags)
	}
	return &logProvider{logger: logger}, nil
}

func (p *logProvider) Name() string {
	return "logonly"
}

func (p *logProvider) Send(_ context.Context, batch []provider.Notification) ([]provider.Result, error) {
	results := make([]provider.Result, len(batch))
	for i, n := range batch {
		p.logger.Printf("would push to %s: %s / %s", n.Token, n.Title, n.Body)
		results[i] = provider.Result{Token: n.Token, Status: provider.StatusDelivered}
	}
	return results, nil
}
