package magg

import "context"

// ClientContext is the notification sink for one triggering operation. The
// production implementation republishes the registry into the frontend
// server; tests substitute observers.
type ClientContext interface {
	SendToolListChanged(ctx context.Context) error
	SendResourceListChanged(ctx context.Context) error
	SendPromptListChanged(ctx context.Context) error
}

// dispatchChanged announces a possible capability-set change on all three
// channels. Every channel is attempted exactly once regardless of the
// others; failures are logged and swallowed so a broken sink can never fail
// the operation that triggered it. A nil context is a silent no-op.
//
// Mutating operations schedule one dispatchChanged call on every exit path
// via a deferred guard at the operation boundary. Internal helpers never
// dispatch, so nesting cannot double-announce.
func (a *Aggregator) dispatchChanged(ctx context.Context, cc ClientContext) {
	if cc == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	channels := []struct {
		name string
		send func(context.Context) error
	}{
		{"tools", cc.SendToolListChanged},
		{"resources", cc.SendResourceListChanged},
		{"prompts", cc.SendPromptListChanged},
	}
	for _, ch := range channels {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("list changed notification panicked", "channel", ch.name, "panic", r)
				}
			}()
			if err := ch.send(ctx); err != nil {
				a.log.Warn("list changed notification failed", "channel", ch.name, "error", err)
			}
		}()
	}
}
