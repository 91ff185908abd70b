package orchestrator

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/resilience"
)

// Errors returned by the orchestrator. They are wrapped with context, so
// match them with errors.Is.
var (
	ErrCircuitBreakerOpen   = resilience.ErrCircuitOpen
	ErrZeroValue            = eris.New("collateral value must be positive")
	ErrRequestNotFound      = eris.New("request not found")
	ErrAlreadyProcessed     = escalation.ErrAlreadyProcessed
	ErrRequestNotExpired    = escalation.ErrRequestNotExpired
	ErrAlreadyRequested     = escalation.ErrAlreadyRequested
	ErrInvalidStrategy      = eris.New("invalid strategy")
	ErrUnauthorized         = eris.New("caller not authorized")
	ErrVerificationMismatch = eris.New("verification tag mismatch")
)
