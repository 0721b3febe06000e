package risk

import (
	"context"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// StateSaver persists risk state snapshots.
type StateSaver interface {
	SaveRiskState(ctx context.Context, s types.RiskState) error
}

// Persister saves book snapshots off the hot path. Offers coalesce: only the
// newest unsaved snapshot is kept.
type Persister struct {
	store   StateSaver
	pending chan types.RiskState
}

func NewPersister(store StateSaver) *Persister {
	return &Persister{store: store, pending: make(chan types.RiskState, 1)}
}

// Offer never blocks. Callers must be serialized (the book calls it under
// its lock), which keeps the newest snapshot last.
func (p *Persister) Offer(s types.RiskState) {
	for {
		select {
		case p.pending <- s:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run saves snapshots until ctx is done, then flushes the last one.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case s := <-p.pending:
			p.save(ctx, s)
		case <-ctx.Done():
			select {
			case s := <-p.pending:
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.save(flushCtx, s)
				cancel()
			default:
			}
			return nil
		}
	}
}

func (p *Persister) save(ctx context.Context, s types.RiskState) {
	if err := p.store.SaveRiskState(ctx, s); err != nil {
		logger.Errorf("[risk] save state failed: %v", err)
	}
}
