package voice

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

// cycleGuard owns end-of-cycle cleanup for one speech request: the busy
// state and the temporary audio file are released exactly once no matter
// which exit path fires first (normal end of playback, playback error,
// synthesis failure, or an early return).
type cycleGuard struct {
	once   sync.Once
	sess   *GuildSession
	logger *zap.Logger

	mu   sync.Mutex
	path string
}

func newCycleGuard(sess *GuildSession, logger *zap.Logger) *cycleGuard {
	return &cycleGuard{sess: sess, logger: logger}
}

// setFile hands ownership of the synthesized audio file to the guard.
func (g *cycleGuard) setFile(path string) {
	g.mu.Lock()
	g.path = path
	g.mu.Unlock()
}

// release deletes the owned file (if any) and returns the guild to idle.
// Safe to call from any goroutine; only the first call acts.
func (g *cycleGuard) release() {
	g.once.Do(func() {
		g.mu.Lock()
		path := g.path
		g.mu.Unlock()

		if path != "" {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				g.logger.Warn("failed to remove temp audio file",
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
		g.sess.EndCycle()
	})
}
