package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
)

// ProtectedAdapter wraps an Adapter with a circuit breaker. An open circuit is
// reported as a CIRCUIT_OPEN failure without calling the provider.
//
// Transport errors and PROVIDER_ERROR or RATE_LIMITED refusals count as
// failures. Refusals about the message itself (bad number, template, window)
// prove the provider is up and count as successes.
type ProtectedAdapter struct {
	adapter Adapter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps adapter with breaker.
func NewProtectedAdapter(adapter Adapter, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{adapter: adapter, breaker: breaker, logger: logger}
}

func (p *ProtectedAdapter) Send(ctx context.Context, req *Request) (*Outcome, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("channel", string(req.Channel)),
			zap.String("reference", req.Reference),
		)
		return Failure(CodeCircuitOpen, p.breaker.Name()+" provider unavailable"), nil
	}

	out, err := p.adapter.Send(ctx, req)
	switch {
	case err != nil:
		p.breaker.RecordFailure()
	case !out.Success && (out.ErrorCode == CodeProviderError || out.ErrorCode == CodeRateLimited):
		p.breaker.RecordFailure()
	default:
		p.breaker.RecordSuccess()
	}
	return out, err
}

func (p *ProtectedAdapter) SupportsChannel(ch db.Channel) bool {
	return p.adapter.SupportsChannel(ch)
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedAdapter) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
