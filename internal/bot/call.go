package bot

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chadiek/kb-voice-agent/internal/agent"
	"github.com/chadiek/kb-voice-agent/internal/store"
)

const archiveTimeout = 10 * time.Second

// Call is one connected caller.
type Call struct {
	id        string
	transport string
	tenant    string
	runner    *Runner
	sess      *agent.Session
	cancel    context.CancelFunc
	stop      func()
	log       *log.Logger
	started   time.Time

	mu    sync.Mutex
	turns []agent.Turn

	closeOnce sync.Once
}

// ID is the call's unique id.
func (c *Call) ID() string { return c.id }

// BusinessID is the tenant the call is scoped to.
func (c *Call) BusinessID() string { return c.tenant }

// Feed forwards caller audio to speech recognition.
func (c *Call) Feed(data []byte) { c.sess.Feed(data) }

// BargeIn stops the agent's current speech.
func (c *Call) BargeIn() { c.sess.BargeIn() }

// Turns returns the completed turns so far.
func (c *Call) Turns() []agent.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Turn(nil), c.turns...)
}

func (c *Call) addTurn(t agent.Turn) {
	c.mu.Lock()
	c.turns = append(c.turns, t)
	c.mu.Unlock()
}

// Close ends the session and archives the transcript. It is safe to call
// more than once.
func (c *Call) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.stop()
		c.runner.remove(c)

		turns := c.Turns()
		c.log.Info("call ended", "turns", len(turns), "duration", time.Since(c.started).Truncate(time.Millisecond))
		for i, t := range turns {
			c.log.Debugf("[%s] turn %d user=%q assistant=%q status=%s", c.id, i+1, t.User, t.Assistant, t.Status())
		}

		rec := store.CallRecord{
			CallID:     c.id,
			BusinessID: c.tenant,
			Transport:  c.transport,
			StartedAt:  c.started,
			EndedAt:    time.Now(),
		}
		for _, t := range turns {
			tr := store.TurnRecord{User: t.User, Assistant: t.Assistant, Interrupted: t.Interrupted, At: t.At}
			if t.Err != nil {
				tr.Error = t.Err.Error()
			}
			rec.Turns = append(rec.Turns, tr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := store.ArchiveCall(ctx, c.runner.archive, rec); err != nil {
			c.log.Warn("archive transcript failed", "err", err)
		}
	})
}
