package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/vksync/internal/roster"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/zap"
)

// RosterSyncer is the roster work run before streaming starts.
type RosterSyncer interface {
	RefreshPresence(ctx context.Context) error
	Sync(ctx context.Context) (roster.Diff, error)
}

// CatchUpper materializes the messages missed while offline.
type CatchUpper interface {
	CatchUp(ctx context.Context, lastSeenID int64) (int64, error)
}

// Preparer implements longpoll.Preparer: presence refresh, a roster pass and
// the message catch-up, in that order.
type Preparer struct {
	roster RosterSyncer
	engine CatchUpper
	logger *zap.Logger
}

// NewPreparer creates a preparer.
func NewPreparer(r RosterSyncer, engine CatchUpper, logger *zap.Logger) *Preparer {
	return &Preparer{roster: r, engine: engine, logger: logger.Named("prepare")}
}

// Prepare runs the pre-stream work. Roster failures are logged and skipped
// unless they end the session; catch-up failures are returned.
func (p *Preparer) Prepare(ctx context.Context, lastSeenID int64) (int64, error) {
	if err := p.roster.RefreshPresence(ctx); err != nil {
		if vk.IsTerminal(err) || ctx.Err() != nil {
			return 0, fmt.Errorf("refresh presence: %w", err)
		}
		p.logger.Warn("presence refresh failed", zap.Error(err))
	}
	if _, err := p.roster.Sync(ctx); err != nil {
		if vk.IsTerminal(err) || ctx.Err() != nil {
			return 0, fmt.Errorf("sync roster: %w", err)
		}
		p.logger.Warn("roster sync failed", zap.Error(err))
	}
	maxID, err := p.engine.CatchUp(ctx, lastSeenID)
	if err != nil {
		return 0, fmt.Errorf("catch up: %w", err)
	}
	return maxID, nil
}
