// Package provider abstracts external push-notification backends.
//
// A Provider accepts a multicast batch addressed to several device
// tokens and reports an independent outcome per token. Implementations
// register themselves with the registry from init() functions, mirroring
// how storage drivers self-register.
package provider

import (
	"context"
	"log"
)

// Notification is one push addressed to one device token.
type Notification struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Status classifies a per-token delivery outcome.
type Status string

const (
	// StatusDelivered confirms delivery; the pending records clear.
	StatusDelivered Status = "delivered"

	// StatusTokenInvalid means the provider rejected the token
	// permanently. The token is unregistered and never retried; the
	// device must re-register.
	StatusTokenInvalid Status = "token_invalid"

	// StatusFailed is any other failure (timeout, throttling). Retried
	// with backoff up to the dispatcher's attempt ceiling.
	StatusFailed Status = "failed"
)

// Result is the outcome for one token in a multicast batch.
type Result struct {
	Token  string
	Status Status

	// Detail carries the provider's error text for failed outcomes.
	Detail string
}

// Provider delivers notification batches.
//
// Send returns one Result per input notification. The error return is
// reserved for whole-batch infrastructure failures (endpoint down,
// credentials bad); a partial failure is never an error; it comes back
// decomposed in the results.
type Provider interface {
	// Name identifies the provider in logs and config.
	Name() string

	// Send submits a multicast batch.
	Send(ctx context.Context, batch []Notification) ([]Result, error)
}

// Settings carries provider configuration. Each implementation reads
// the fields it needs and ignores the rest.
type Settings struct {
	// Endpoint is the delivery URL (FCM-style HTTP providers).
	Endpoint string

	// APIKey authenticates against the endpoint.
	APIKey string

	// Region selects the cloud region (SES).
	Region string

	// From is the sender identity (SES).
	From string

	// Logger for provider activity (default: stderr logger)
	Logger *log.Logger
}
