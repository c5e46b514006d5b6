package client

import (
	"context"
	"time"
)

// UpdateHandlers react to generation changes seen by WatchUpdates.
type UpdateHandlers struct {
	// OnUpdate is asked once per waiting version whether to activate it.
	// Returning true sends SKIP_WAITING.
	OnUpdate func(waiting string) bool

	// OnControllerChange is called when the active version changes.
	OnControllerChange func(from, to string)
}

type watchState struct {
	active  string
	offered string
}

// WatchUpdates polls the status endpoint every UpdateInterval until ctx is
// done. Status errors are logged and the next tick tries again.
func (c *Client) WatchUpdates(ctx context.Context, h UpdateHandlers) {
	state := &watchState{}
	c.checkUpdate(ctx, state, h)

	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkUpdate(ctx, state, h)
		}
	}
}

func (c *Client) checkUpdate(ctx context.Context, state *watchState, h UpdateHandlers) {
	if !c.observe(ctx, state, h) {
		return
	}
	if state.offered == "" || h.OnUpdate == nil {
		return
	}
	waiting := state.offered
	if !h.OnUpdate(waiting) {
		return
	}
	if err := c.SkipWaiting(ctx); err != nil {
		c.logger.Warn().Err(err).Str("version", waiting).Msg("Skip waiting failed")
		return
	}
	state.offered = ""
	c.observe(ctx, state, h)
}

// observe refreshes state and reports whether a not yet offered waiting
// version showed up.
func (c *Client) observe(ctx context.Context, state *watchState, h UpdateHandlers) bool {
	st, err := c.Status(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Status check failed")
		return false
	}
	if st.Active != "" && st.Active != state.active {
		if state.active != "" && h.OnControllerChange != nil {
			h.OnControllerChange(state.active, st.Active)
		}
		state.active = st.Active
	}
	if st.Waiting != "" && st.Waiting != state.offered && st.Active != "" {
		state.offered = st.Waiting
		return true
	}
	return false
}
