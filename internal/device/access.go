package device

import (
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// accessGate serializes permission prompts: callers arriving while a prompt
// is pending wait for its answer instead of opening a second one.
type accessGate struct {
	group   singleflight.Group
	prompt  func() bool
	prompts atomic.Uint64
}

func newAccessGate(prompt func() bool) *accessGate {
	return &accessGate{prompt: prompt}
}

// request runs (or joins) the pending prompt and calls done with its answer.
func (g *accessGate) request(done func(bool)) {
	go func() {
		v, _, shared := g.group.Do("access", func() (any, error) {
			g.prompts.Add(1)
			return g.prompt(), nil
		})
		granted := v.(bool)
		slog.Debug("device: access request answered", "granted", granted, "shared", shared)
		done(granted)
	}()
}

// count returns how many prompts actually ran.
func (g *accessGate) count() uint64 {
	return g.prompts.Load()
}
