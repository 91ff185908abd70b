// Package oracle is the boundary to the external risk-assessment provider.
// Dispatchers send work out without blocking; results come back through a
// Receiver, usually the orchestrator.
package oracle

import (
	"context"
	"math/big"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = eris.New("oracle: dispatcher closed")

// Callback is the opaque context echoed back with a provider response.
type Callback struct {
	RequestID       uint64 `json:"request_id"`
	VerificationTag string `json:"verification_tag"`
}

// DispatchRequest is one assessment job.
type DispatchRequest struct {
	BasketDescriptor string   `json:"basket_descriptor"`
	CollateralValue  *big.Int `json:"collateral_value"`
	Callback         Callback `json:"callback"`
}

// Delivery is a provider result routed back to the registry. RequestID may
// be zero when the provider only echoes the verification tag.
type Delivery struct {
	RequestID       uint64 `json:"request_id,omitempty"`
	VerificationTag string `json:"verification_tag"`
	ExternalTag     string `json:"external_tag,omitempty"`
	Response        string `json:"response,omitempty"`
	ErrorInfo       string `json:"error,omitempty"`
	// Source attributes ErrorInfo. Empty means the provider reported it.
	// Set only in process, never decoded from a callback body.
	Source model.FailureSource `json:"-"`
}

// Receiver accepts provider results.
type Receiver interface {
	Deliver(ctx context.Context, d Delivery) error
	NoteRetry(ctx context.Context, requestID uint64) error
}

// Dispatcher sends assessment jobs to the provider. Dispatch must not wait
// for the assessment itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (externalTag string, err error)
	// Bind sets the receiver for asynchronous results.
	Bind(r Receiver)
	// Close stops accepting work and waits for in-flight jobs.
	Close() error
}
