// Package bot runs voice calls: it owns the shared clients, builds per-call
// vendor services and tracks the calls that are currently connected.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chadiek/kb-voice-agent/internal/agent"
	"github.com/chadiek/kb-voice-agent/internal/audio"
	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/knowledge"
	"github.com/chadiek/kb-voice-agent/internal/llm"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
	"github.com/chadiek/kb-voice-agent/internal/store"
)

const profileTimeout = 3 * time.Second

// CallOptions describe a call as seen by its transport.
type CallOptions struct {
	// Transport names the transport for status and metrics, e.g. "webrtc".
	Transport string
	// BusinessID selects the tenant. Empty falls back to the configured one.
	BusinessID   string
	InputFormat  audio.Format
	OutputFormat audio.Format
	Sink         agent.AudioSink
	VoiceBargeIn bool
	OnTranscript func(text string)
	OnTurn       func(agent.Turn)
}

// KnowledgeStatus describes the retrieval endpoint.
type KnowledgeStatus struct {
	URL  string `json:"url"`
	Mode string `json:"mode"`
}

// Status is a snapshot of the runner.
type Status struct {
	Ready       bool              `json:"ready"`
	StartedAt   time.Time         `json:"started_at"`
	Uptime      string            `json:"uptime"`
	BusinessID  string            `json:"business_id,omitempty"`
	Components  map[string]string `json:"components"`
	ActiveCalls map[string]int    `json:"active_calls"`
	Knowledge   KnowledgeStatus   `json:"knowledge"`
}

// Runner starts and tracks calls.
type Runner struct {
	cfg      config.Config
	kb       *knowledge.Client
	profiles store.Profiles
	archive  store.Archive
	metrics  *metrics.Metrics
	services ServiceFactory
	started  time.Time

	mu         sync.Mutex
	ready      bool
	components map[string]string
	calls      map[string]*Call
}

// NewRunner wires the shared clients. profiles and archive may be nil when
// Supabase is not configured; m may be nil.
func NewRunner(cfg config.Config, kb *knowledge.Client, profiles store.Profiles, archive store.Archive, m *metrics.Metrics) *Runner {
	if profiles == nil {
		profiles = store.Nop{}
	}
	if archive == nil {
		archive = store.Nop{}
	}
	return &Runner{
		cfg:        cfg,
		kb:         kb,
		profiles:   profiles,
		archive:    archive,
		metrics:    m,
		services:   DefaultServices(cfg),
		started:    time.Now(),
		components: map[string]string{},
		calls:      map[string]*Call{},
	}
}

// WithServiceFactory replaces the vendor services used for new calls.
func (r *Runner) WithServiceFactory(f ServiceFactory) *Runner {
	r.services = f
	return r
}

// Knowledge returns the shared knowledge base client.
func (r *Runner) Knowledge() *knowledge.Client { return r.kb }

// BusinessID is the tenant used when a call does not name one.
func (r *Runner) BusinessID() string { return r.cfg.BusinessID }

// Check builds every per-call component once and marks the runner ready
// when all of them can be constructed.
func (r *Runner) Check(ctx context.Context) (map[string]string, error) {
	components := map[string]string{}
	var errs []error

	if r.kb == nil {
		components["knowledge"] = "missing"
		errs = append(errs, errors.New("knowledge: client not configured"))
	} else {
		components["knowledge"] = "ok (" + r.kb.Mode().String() + ")"
	}

	svc, err := r.services(audio.PCM16k, audio.PCM16k, llm.KnowledgeTool(r.kb, r.cfg.BusinessID))
	if err != nil {
		components["services"] = err.Error()
		errs = append(errs, err)
	} else {
		components["stt"] = fmt.Sprintf("ok (%T)", svc.STT)
		components["llm"] = describe(svc.LLM)
		components["tts"] = describe(svc.TTS)
	}

	if _, ok := r.profiles.(store.Nop); ok {
		components["supabase"] = "disabled"
	} else {
		components["supabase"] = "ok"
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	err = errors.Join(errs...)
	r.mu.Lock()
	r.components = components
	r.ready = err == nil
	r.mu.Unlock()
	for name, state := range components {
		log.Debug("component check", "component", name, "state", state)
	}
	return components, err
}

// describe names a component for Status, with its model or output format
// when it reports one.
func describe(component any) string {
	switch c := component.(type) {
	case interface{ Model() string }:
		return fmt.Sprintf("ok (%T, %s)", component, c.Model())
	case interface{ Format() audio.Format }:
		f := c.Format()
		return fmt.Sprintf("ok (%T, %s %d)", component, f.Encoding, f.SampleRate)
	}
	return fmt.Sprintf("ok (%T)", component)
}

// Ready reports whether the last Check passed.
func (r *Runner) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Status returns a snapshot for the admin surface.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Ready:       r.ready,
		StartedAt:   r.started,
		Uptime:      time.Since(r.started).Truncate(time.Second).String(),
		BusinessID:  r.cfg.BusinessID,
		Components:  make(map[string]string, len(r.components)),
		ActiveCalls: map[string]int{},
		Knowledge:   KnowledgeStatus{URL: r.cfg.KnowledgeBaseURL + r.cfg.KnowledgePath},
	}
	for k, v := range r.components {
		st.Components[k] = v
	}
	for _, c := range r.calls {
		st.ActiveCalls[c.transport]++
	}
	if r.kb != nil {
		st.Knowledge.Mode = r.kb.Mode().String()
	}
	return st
}

// StartCall builds services for a new call and starts its session. The
// session outlives ctx; it runs until the returned Call is closed.
func (r *Runner) StartCall(ctx context.Context, opts CallOptions) (*Call, error) {
	tenant := opts.BusinessID
	if tenant == "" {
		tenant = r.cfg.BusinessID
	}
	id := uuid.NewString()
	logger := log.With("call", id, "transport", opts.Transport)

	prompt, err := r.systemPrompt(ctx, tenant, logger)
	if err != nil {
		return nil, err
	}
	svc, err := r.services(opts.InputFormat, opts.OutputFormat, llm.KnowledgeTool(r.kb, tenant))
	if err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}

	c := &Call{
		id:        id,
		transport: opts.Transport,
		tenant:    tenant,
		runner:    r,
		log:       logger,
		started:   time.Now(),
	}
	c.sess = agent.NewSession(svc.STT, svc.LLM, svc.TTS, opts.Sink, agent.Options{
		SystemPrompt: prompt,
		Greeting:     r.cfg.Greeting,
		VoiceBargeIn: opts.VoiceBargeIn,
		Logger:       logger,
		OnTranscript: opts.OnTranscript,
		OnTurn: func(t agent.Turn) {
			c.addTurn(t)
			if r.metrics != nil {
				r.metrics.Turns.WithLabelValues(t.Status()).Inc()
			}
			if opts.OnTurn != nil {
				opts.OnTurn(t)
			}
		},
	})

	sessCtx, cancel := context.WithCancel(context.Background())
	stop, err := c.sess.Start(sessCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start session: %w", err)
	}
	c.cancel = cancel
	c.stop = stop

	r.mu.Lock()
	r.calls[id] = c
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveCalls.WithLabelValues(opts.Transport).Inc()
	}
	logger.Info("call started", "business_id", tenant)
	return c, nil
}

func (r *Runner) systemPrompt(ctx context.Context, tenant string, logger *log.Logger) (string, error) {
	data := agent.PromptData{BusinessID: tenant}
	if tenant != "" {
		pctx, cancel := context.WithTimeout(ctx, profileTimeout)
		p, err := r.profiles.Get(pctx, tenant)
		cancel()
		switch {
		case err == nil:
			data.BusinessName = p.Name
			data.Instructions = p.SystemPrompt
		case errors.Is(err, store.ErrProfileNotFound):
			logger.Debug("no business profile", "business_id", tenant)
		default:
			logger.Warn("business profile lookup failed", "business_id", tenant, "err", err)
		}
	}
	return agent.RenderSystemPrompt(data)
}

func (r *Runner) remove(c *Call) {
	r.mu.Lock()
	_, ok := r.calls[c.id]
	delete(r.calls, c.id)
	r.mu.Unlock()
	if ok && r.metrics != nil {
		r.metrics.ActiveCalls.WithLabelValues(c.transport).Dec()
	}
}
