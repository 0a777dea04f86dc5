package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/parley/internal/agent"
	"github.com/nidhogg/parley/internal/event"
	"github.com/nidhogg/parley/internal/memory"
	"github.com/nidhogg/parley/internal/provider"
)

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
	cmdRetry
)

type command struct {
	kind cmdKind
	resp chan error
}

// errStopped signals that a stop command took effect mid-turn; the driver has
// already transitioned and must exit without treating it as a failure.
var errStopped = errors.New("conversation stopped")

// driver runs one conversation's turn loop. It is the only goroutine that
// mutates the Conversation; pause/resume/stop/retry arrive over cmds and take
// effect at turn or stream-chunk boundaries, never mid-inference.
type driver struct {
	eng  *Engine
	conv *memory.Conversation
	cmds chan command
	done chan struct{}

	pendingPause bool
	logger       *zap.Logger
}

func newDriver(eng *Engine, conv *memory.Conversation) *driver {
	return &driver{
		eng:  eng,
		conv: conv,
		cmds: make(chan command),
		done: make(chan struct{}),
		logger: eng.logger.With(
			zap.String("conversation_id", conv.ID),
			zap.String("topic", conv.Topic)),
	}
}

func (d *driver) run() {
	defer func() {
		close(d.done)
		d.eng.detach(d.conv.ID)
	}()

	d.logger.Info("conversation started",
		zap.Strings("agents", d.conv.AgentIDs),
		zap.Int("max_turns", d.conv.MaxTurns))
	d.transition(memory.StatusActive, nil)

	for {
		if !d.conv.Unlimited() && d.conv.CurrentTurn >= d.conv.MaxTurns {
			now := time.Now()
			d.transition(memory.StatusEnded, &now)
			d.logger.Info("conversation ended", zap.Int("turns", d.conv.CurrentTurn))
			return
		}

		err := d.executeTurn()
		switch {
		case err == nil:
			if d.pendingPause {
				d.pendingPause = false
				d.transition(memory.StatusPaused, nil)
				if !d.waitResume() {
					return
				}
				continue
			}
			if !d.waitInterval() {
				return
			}
		case errors.Is(err, errStopped):
			return
		case isGatewayError(err):
			// Turn count untouched; park until the operator retries or stops.
			d.logger.Error("turn failed at gateway",
				zap.Int("turn", d.conv.CurrentTurn), zap.Error(err))
			d.publishError(err)
			if !d.awaitRetry() {
				return
			}
		default:
			// Store failure: the turn is incomplete, re-attempt it after the
			// regular interval rather than spinning.
			d.logger.Error("turn failed at store",
				zap.Int("turn", d.conv.CurrentTurn), zap.Error(err))
			d.publishError(err)
			if !d.waitInterval() {
				return
			}
		}
	}
}

func isGatewayError(err error) bool {
	var pe *provider.Error
	return errors.As(err, &pe)
}

// executeTurn runs one complete turn: pick the speaker, assemble context, call
// the gateway, persist the reply, emit events. On success CurrentTurn has
// advanced by exactly one; on error nothing has changed.
func (d *driver) executeTurn() error {
	ctx, cancel := context.WithCancel(d.eng.ctx)
	defer cancel()

	speakerID := speakerForTurn(d.conv.AgentIDs, d.conv.CurrentTurn)
	speaker, err := d.eng.registry.Get(speakerID)
	if err != nil {
		return fmt.Errorf("resolve speaker %s: %w", speakerID, err)
	}

	history, err := d.eng.store.GetHistory(ctx, d.conv.ID, d.eng.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	participants := make([]string, 0, len(d.conv.AgentIDs))
	for _, id := range d.conv.AgentIDs {
		if a, err := d.eng.registry.Get(id); err == nil {
			participants = append(participants, a.Name)
		}
	}

	req := &provider.ChatRequest{
		SystemPrompt: buildSystemPrompt(speaker, d.conv, participants, d.conv.AgentStates[speakerID]),
		Messages:     buildContext(speaker, history, d.eng.cfg.ContextLimit),
	}

	var content string
	if d.eng.cfg.Streaming {
		content, err = d.streamTurn(ctx, cancel, speaker, req)
	} else {
		var resp *provider.ChatResponse
		resp, err = d.eng.gateway.Generate(ctx, req)
		if err == nil {
			content = resp.Content
		}
	}
	if err != nil {
		return err
	}

	msg := memory.Message{
		Speaker:    speaker.Name,
		AgentID:    speaker.ID,
		Content:    content,
		Timestamp:  time.Now(),
		TurnNumber: d.conv.CurrentTurn,
	}
	if err := d.eng.store.AppendMessage(ctx, d.conv.ID, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	d.conv.Messages = append(d.conv.Messages, msg)
	d.conv.CurrentTurn++
	d.conv.UpdatedAt = time.Now()
	if state := d.conv.AgentStates[speakerID]; state != nil {
		now := msg.Timestamp
		state.LastMessageTime = &now
		state.CurrentTopic = d.conv.Topic
	}
	if err := d.eng.store.SaveConversation(ctx, d.conv); err != nil {
		// The message itself is durable; the snapshot catches up next turn.
		d.logger.Warn("snapshot save failed", zap.Error(err))
	}

	d.eng.events.Publish(event.Event{
		Type:           event.TypeNewMessage,
		ConversationID: d.conv.ID,
		Message:        &msg,
	})
	d.logger.Debug("turn complete",
		zap.Int("turn", msg.TurnNumber), zap.String("speaker", speaker.Name))
	return nil
}

// streamTurn consumes the gateway stream. Each increment after the first emits
// a stream_update carrying the cumulative content so far; the final increment
// is delivered only through the terminal new_message event. Stop aborts at the
// next chunk boundary and discards the partial reply.
func (d *driver) streamTurn(ctx context.Context, cancel context.CancelFunc, speaker *agent.Agent, req *provider.ChatRequest) (string, error) {
	ch, err := d.eng.gateway.GenerateStream(ctx, req)
	if err != nil {
		return "", err
	}

	var cum strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		if chunk.Done {
			break
		}

		if cum.Len() > 0 {
			d.eng.events.Publish(event.Event{
				Type:           event.TypeStreamUpdate,
				ConversationID: d.conv.ID,
				Message: &memory.Message{
					Speaker:     speaker.Name,
					AgentID:     speaker.ID,
					Content:     cum.String(),
					TurnNumber:  d.conv.CurrentTurn,
					IsStreaming: true,
				},
			})
		}
		cum.WriteString(chunk.Content)

		select {
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdStop:
				cancel()
				d.transition(memory.StatusStopped, nil)
				cmd.resp <- nil
				return "", errStopped
			case cmdPause:
				d.pendingPause = true
				cmd.resp <- nil
			case cmdResume:
				d.pendingPause = false
				cmd.resp <- nil
			case cmdRetry:
				cmd.resp <- validationf("no failed turn to retry")
			}
		default:
		}
	}
	return cum.String(), nil
}

// waitInterval sleeps the inter-turn interval, servicing commands at the
// boundary. Returns false when the driver must exit.
func (d *driver) waitInterval() bool {
	timer := time.NewTimer(d.eng.cfg.TurnInterval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-d.eng.ctx.Done():
			return false
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdPause:
				d.transition(memory.StatusPaused, nil)
				cmd.resp <- nil
				if !d.waitResume() {
					return false
				}
				// Resume reschedules the next turn immediately.
				return true
			case cmdResume:
				cmd.resp <- nil
			case cmdStop:
				d.transition(memory.StatusStopped, nil)
				cmd.resp <- nil
				return false
			case cmdRetry:
				cmd.resp <- validationf("no failed turn to retry")
			}
		}
	}
}

// waitResume blocks while paused. Pause is idempotent here and emits no
// duplicate status event.
func (d *driver) waitResume() bool {
	for {
		select {
		case <-d.eng.ctx.Done():
			return false
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdResume:
				d.transition(memory.StatusActive, nil)
				cmd.resp <- nil
				return true
			case cmdPause:
				cmd.resp <- nil
			case cmdStop:
				d.transition(memory.StatusStopped, nil)
				cmd.resp <- nil
				return false
			case cmdRetry:
				cmd.resp <- validationf("conversation is paused, resume it first")
			}
		}
	}
}

// awaitRetry parks the driver after a gateway failure. The conversation stays
// active; only retry or stop move it forward.
func (d *driver) awaitRetry() bool {
	for {
		select {
		case <-d.eng.ctx.Done():
			return false
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdRetry:
				cmd.resp <- nil
				return true
			case cmdStop:
				d.transition(memory.StatusStopped, nil)
				cmd.resp <- nil
				return false
			case cmdPause, cmdResume:
				cmd.resp <- validationf("last turn failed, retry or stop the conversation")
			}
		}
	}
}

// transition updates status on the owned record, persists it, and announces it.
func (d *driver) transition(status memory.Status, endedAt *time.Time) {
	d.conv.Status = status
	d.conv.UpdatedAt = time.Now()
	if endedAt != nil {
		d.conv.EndedAt = endedAt
	}
	if err := d.eng.store.UpdateStatus(d.eng.ctx, d.conv.ID, status, endedAt); err != nil {
		d.logger.Error("persist status", zap.String("status", string(status)), zap.Error(err))
	}
	d.eng.events.Publish(event.Event{
		Type:           event.TypeConversationUpdated,
		ConversationID: d.conv.ID,
		Status:         status,
	})
}

func (d *driver) publishError(err error) {
	d.eng.events.Publish(event.Event{
		Type:           event.TypeError,
		ConversationID: d.conv.ID,
		Error:          err.Error(),
	})
}
