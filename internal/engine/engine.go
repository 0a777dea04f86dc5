// Package engine owns conversation lifecycle, turn order, context assembly,
// gateway invocation, persistence, and event emission. Each running
// conversation gets one driver goroutine that exclusively mutates its record;
// the engine validates requests and hands control commands to the driver.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/parley/internal/agent"
	"github.com/nidhogg/parley/internal/event"
	"github.com/nidhogg/parley/internal/memory"
	"github.com/nidhogg/parley/internal/provider"
)

// Config holds the engine's turn-loop parameters.
type Config struct {
	// HistoryLimit caps messages retrieved per turn; ContextLimit caps those
	// actually sent to the gateway (ContextLimit <= HistoryLimit).
	HistoryLimit int
	ContextLimit int
	// TurnInterval is the pause between consecutive turns.
	TurnInterval time.Duration
	// Streaming selects incremental generation with stream_update events.
	Streaming bool
	// DefaultMaxTurns applies when a creation request leaves max_turns unset;
	// 0 means unlimited.
	DefaultMaxTurns int
}

// Engine orchestrates all conversations in the process.
type Engine struct {
	registry *agent.Registry
	store    memory.Store
	gateway  provider.Gateway
	events   *event.Broadcaster
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	drivers map[string]*driver
}

// New creates an engine. Shutdown must be called to stop running drivers.
func New(registry *agent.Registry, store memory.Store, gateway provider.Gateway,
	events *event.Broadcaster, cfg Config, logger *zap.Logger) *Engine {

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry: registry,
		store:    store,
		gateway:  gateway,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		drivers:  make(map[string]*driver),
	}
}

// CreateRequest describes a new conversation. A nil MaxTurns takes the
// configured default; 0 means unlimited.
type CreateRequest struct {
	AgentIDs []string `json:"agent_ids"`
	Topic    string   `json:"topic"`
	Title    string   `json:"title,omitempty"`
	MaxTurns *int     `json:"max_turns,omitempty"`
}

// Create validates the request against the registry and persists a new idle
// conversation. No driver is started until Start.
func (e *Engine) Create(ctx context.Context, req *CreateRequest) (*memory.Conversation, error) {
	if len(req.AgentIDs) == 0 {
		return nil, validationf("agent_ids must not be empty")
	}
	if req.Topic == "" {
		return nil, validationf("topic is required")
	}

	states := make(map[string]*agent.State, len(req.AgentIDs))
	for _, id := range req.AgentIDs {
		a, err := e.registry.Get(id)
		if err != nil {
			return nil, validationf("unknown agent id %q", id)
		}
		if !a.IsActive {
			return nil, validationf("agent %q is not active", id)
		}
		if _, dup := states[id]; dup {
			return nil, validationf("duplicate agent id %q", id)
		}
		states[id] = agent.NewState(id)
	}

	maxTurns := e.cfg.DefaultMaxTurns
	if req.MaxTurns != nil {
		if *req.MaxTurns < 0 {
			return nil, validationf("max_turns must not be negative")
		}
		maxTurns = *req.MaxTurns
	}

	now := time.Now()
	conv := &memory.Conversation{
		ID:          uuid.NewString(),
		Topic:       req.Topic,
		Title:       req.Title,
		AgentIDs:    append([]string(nil), req.AgentIDs...),
		MaxTurns:    maxTurns,
		Status:      memory.StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Messages:    []memory.Message{},
		AgentStates: states,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	e.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("topic", conv.Topic),
		zap.Int("max_turns", conv.MaxTurns))
	return conv.Clone(), nil
}

// Get returns a snapshot of one conversation.
func (e *Engine) Get(ctx context.Context, id string) (*memory.Conversation, error) {
	return e.store.GetConversation(ctx, id)
}

// List returns snapshots of all conversations.
func (e *Engine) List(ctx context.Context) ([]*memory.Conversation, error) {
	return e.store.ListConversations(ctx)
}

// Start launches the turn loop for an idle conversation.
func (e *Engine) Start(ctx context.Context, id string) error {
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.drivers[id]; running {
		return validationf("conversation is already running")
	}
	switch conv.Status {
	case memory.StatusIdle:
	case memory.StatusPaused:
		return validationf("conversation is paused, resume it instead")
	default:
		return validationf("conversation is %s and cannot be started", conv.Status)
	}

	d := newDriver(e, conv)
	e.drivers[id] = d
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		d.run()
	}()
	return nil
}

// Pause suspends the turn loop at the next turn boundary. Idempotent.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.sendCommand(ctx, id, cmdPause)
}

// Resume continues a paused conversation, rescheduling the next turn
// immediately.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.sendCommand(ctx, id, cmdResume)
}

// Stop terminates the conversation. An idle conversation stops directly; a
// running one stops at the next turn or stream-chunk boundary.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	d, running := e.drivers[id]
	e.mu.Unlock()
	if running {
		return e.deliver(ctx, d, cmdStop)
	}

	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status != memory.StatusIdle {
		return validationf("conversation is %s and cannot be stopped", conv.Status)
	}
	if err := e.store.UpdateStatus(ctx, id, memory.StatusStopped, nil); err != nil {
		return fmt.Errorf("stop conversation: %w", err)
	}
	e.events.Publish(event.Event{
		Type:           event.TypeConversationUpdated,
		ConversationID: id,
		Status:         memory.StatusStopped,
	})
	return nil
}

// Retry re-runs the turn that failed at the gateway.
func (e *Engine) Retry(ctx context.Context, id string) error {
	return e.sendCommand(ctx, id, cmdRetry)
}

// Delete removes a non-running conversation and everything under it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	_, running := e.drivers[id]
	e.mu.Unlock()
	if running {
		return validationf("conversation is running, stop it first")
	}
	return e.store.DeleteConversation(ctx, id)
}

func (e *Engine) sendCommand(ctx context.Context, id string, kind cmdKind) error {
	if _, err := e.store.GetConversation(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	d, running := e.drivers[id]
	e.mu.Unlock()
	if !running {
		return validationf("conversation is not running")
	}
	return e.deliver(ctx, d, kind)
}

// deliver hands a command to the driver and waits for its verdict. Drivers
// only service commands at turn, chunk, and wait boundaries.
func (e *Engine) deliver(ctx context.Context, d *driver, kind cmdKind) error {
	cmd := command{kind: kind, resp: make(chan error, 1)}
	select {
	case d.cmds <- cmd:
		return <-cmd.resp
	case <-d.done:
		return validationf("conversation is no longer running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) detach(id string) {
	e.mu.Lock()
	delete(e.drivers, id)
	e.mu.Unlock()
}

// Shutdown stops all drivers and waits for them to exit or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
