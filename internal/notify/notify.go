package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier forwards a human-readable orchestration update to the operator's
// chat surface. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// Fanout delivers to every configured surface and never fails the caller;
// per-surface errors are logged only.
type Fanout struct {
	targets []Notifier
	logger  *zap.Logger
}

// NewFanout creates a fanout over the given surfaces.
func NewFanout(logger *zap.Logger, targets ...Notifier) *Fanout {
	return &Fanout{targets: targets, logger: logger}
}

// Add appends another surface.
func (f *Fanout) Add(n Notifier) {
	f.targets = append(f.targets, n)
}

func (f *Fanout) Notify(ctx context.Context, text string) error {
	for _, n := range f.targets {
		if err := n.Notify(ctx, text); err != nil {
			f.logger.Warn("notify target failed", zap.Error(err))
		}
	}
	return nil
}
