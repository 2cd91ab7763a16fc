package spawn

import (
	"context"

	"golang.org/x/sync/errgroup"

	"catchdex.io/internal/dexerr"
)

// Manager owns one controller per configured channel.
type Manager struct {
	controllers map[string]*Controller
	order       []string
}

func NewManager(channels []string, timing Timing, deps ControllerDeps) *Manager {
	m := &Manager{controllers: map[string]*Controller{}}
	for _, ch := range channels {
		if _, dup := m.controllers[ch]; dup {
			continue
		}
		m.controllers[ch] = NewController(ch, timing, deps)
		m.order = append(m.order, ch)
	}
	return m
}

func (m *Manager) Channels() []string { return append([]string(nil), m.order...) }

func (m *Manager) Controller(channel string) (*Controller, bool) {
	c, ok := m.controllers[channel]
	return c, ok
}

// Run arms every channel and keeps them running until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range m.order {
		c := m.controllers[ch]
		g.Go(func() error {
			c.Arm()
			<-ctx.Done()
			c.Stop()
			return nil
		})
	}
	return g.Wait()
}

// Claim finds the controller holding spawnID. When channel is empty every
// channel is searched; a spawn that is no longer live is answered from its
// claim token.
func (m *Manager) Claim(ctx context.Context, channel, spawnID string, at Attempt) (Outcome, error) {
	if channel != "" {
		c, ok := m.controllers[channel]
		if !ok {
			return Outcome{}, dexerr.Newf(dexerr.CodeNotFound, "channel %s has no spawns", channel)
		}
		return c.Claim(ctx, spawnID, at)
	}
	for _, ch := range m.order {
		c := m.controllers[ch]
		if inst := c.Current(); inst != nil && inst.ID == spawnID {
			return c.Claim(ctx, spawnID, at)
		}
	}
	if len(m.order) == 0 {
		return Outcome{}, dexerr.New(dexerr.CodeNotFound, "no spawn channels")
	}
	return m.controllers[m.order[0]].arb.Replay(ctx, spawnID, at)
}

// Spawn forces a spawn on channel, for administration and tests.
func (m *Manager) Spawn(ctx context.Context, channel, definitionID string) (*Instance, error) {
	c, ok := m.controllers[channel]
	if !ok {
		return nil, dexerr.Newf(dexerr.CodeNotFound, "channel %s has no spawns", channel)
	}
	return c.Spawn(ctx, definitionID)
}
