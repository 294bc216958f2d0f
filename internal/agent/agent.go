package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"
	"golang.org/x/time/rate"

	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/events"
	"github.com/comigor/ollamachat/internal/history"
	"github.com/comigor/ollamachat/internal/llm"
	"github.com/comigor/ollamachat/internal/logger"
	"github.com/comigor/ollamachat/internal/stream"
)

// Phase is the state of the per-turn machine.
type Phase string

const (
	PhaseIdle                        Phase = "Idle"
	PhaseUserAppended                Phase = "UserAppended"
	PhaseAssistantPlaceholderCreated Phase = "AssistantPlaceholderCreated"
	PhaseGenerating                  Phase = "Generating"
	PhaseFinalizing                  Phase = "Finalizing"
	PhaseCancelled                   Phase = "Cancelled" // terminal
	PhaseFailed                      Phase = "Failed"    // terminal
)

type trigger string

const (
	triggerSend           trigger = "Send"
	triggerPlaceholder    trigger = "CreatePlaceholder"
	triggerGenerate       trigger = "Generate"
	triggerGenerationDone trigger = "GenerationDone"
	triggerFinalized      trigger = "Finalized"
	triggerCancel         trigger = "Cancel"
	triggerFail           trigger = "Fail"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Result describes a finished turn.
type Result struct {
	Outcome        Outcome
	ConversationID string
	MessageID      string
	Content        string
	Err            error
}

// ClientFactory builds a generation client for a settings snapshot.
type ClientFactory func(chat.Settings) (llm.Client, error)

// Publisher receives orchestrator notifications.
type Publisher interface {
	Publish(e events.Event) error
}

// errDiscard aborts a stream whose turn was cancelled.
var errDiscard = errors.New("turn cancelled, discarding chunk")

// Turn is a handle on one in-flight send.
type Turn struct {
	text     string
	settings chat.Settings
	token    *stream.CancelToken

	// written only on the turn goroutine
	conversationID string
	messageID      string
	acc            *stream.Accumulator
	final          string
	err            error

	// guarded by Orchestrator.mu
	phase     Phase
	committed bool

	done   chan struct{}
	result Result
}

// Done is closed when the turn has ended.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Orchestrator sequences one turn at a time: user message, assistant placeholder,
// generation, finalization and title. It owns the cache and publishes every
// observable change.
type Orchestrator struct {
	repo      *history.Repository
	newClient ClientFactory
	pub       Publisher
	partials  *rate.Limiter
	defaults  chat.Settings
	cache     *Cache

	mu        sync.Mutex
	settings  chat.Settings
	turn      *Turn
	lastPhase Phase
	lastError error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sends notifications to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// WithPartialRate caps streaming partial events per second. Zero or less means unlimited.
func WithPartialRate(hz float64) Option {
	return func(o *Orchestrator) {
		if hz <= 0 {
			o.partials = rate.NewLimiter(rate.Inf, 1)
			return
		}
		o.partials = rate.NewLimiter(rate.Limit(hz), 1)
	}
}

// WithDefaults sets the settings used when nothing is persisted.
func WithDefaults(s chat.Settings) Option {
	return func(o *Orchestrator) {
		o.defaults = s
		o.settings = s
	}
}

func New(repo *history.Repository, newClient ClientFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		newClient: newClient,
		partials:  rate.NewLimiter(rate.Inf, 1),
		defaults:  chat.DefaultSettings(),
		settings:  chat.DefaultSettings(),
		cache:     NewCache(),
		lastPhase: PhaseIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	repo.OnCommit(o.cache.Replace)
	return o
}

func (o *Orchestrator) publish(e events.Event) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(e); err != nil {
		logger.L.Warn("failed to publish event", "type", e.Type, logger.Err(err))
	}
}

// fail records err as the last error and publishes it.
func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.lastError = err
	o.mu.Unlock()
	o.publish(events.Error(err))
	return err
}

// changed publishes the cache after a write. The repository has already
// mirrored the write into the cache under its own lock.
func (o *Orchestrator) changed() {
	o.publish(events.Conversations(o.cache.Conversations()))
}

// SendMessage runs a whole turn. If ctx ends first the turn is cancelled.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (Result, error) {
	t, err := o.Start(text)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-t.Done():
	case <-ctx.Done():
		o.CancelGeneration()
		<-t.Done()
	}
	return t.result, t.result.Err
}

// Start validates the message, reserves the single turn slot and runs the turn
// on its own goroutine.
func (o *Orchestrator) Start(text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, o.fail(chat.Validation("send message", "message is empty"))
	}

	o.mu.Lock()
	if o.turn != nil {
		o.mu.Unlock()
		return nil, o.fail(&chat.Error{Kind: chat.ErrTurnActive, Op: "send message"})
	}
	settings := o.settings
	if !settings.Configured() {
		o.mu.Unlock()
		return nil, o.fail(chat.Validation("send message", "select a model and backend first"))
	}
	t := &Turn{
		text:     text,
		settings: settings,
		token:    stream.NewCancelToken(context.Background()),
		phase:    PhaseIdle,
		done:     make(chan struct{}),
	}
	o.turn = t
	o.lastError = nil
	o.mu.Unlock()

	o.publish(events.Loading(true))
	go o.run(t)
	return t, nil
}

// CancelGeneration cancels the active turn. It reports false when there is
// nothing left to cancel, including a turn already writing its final content.
func (o *Orchestrator) CancelGeneration() bool {
	o.mu.Lock()
	t := o.turn
	if t == nil || t.committed {
		o.mu.Unlock()
		return false
	}
	t.token.Cancel()
	convID := t.result.ConversationID
	o.mu.Unlock()

	logger.L.Info("generation cancelled", "conversation_id", convID)
	o.publish(events.Phase(convID, string(PhaseCancelled)))
	return true
}

// Phase reports the active turn's phase, or how the last turn ended. A cancelled
// turn reads as Cancelled from the moment CancelGeneration returns.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn == nil {
		return o.lastPhase
	}
	if o.turn.token.Cancelled() {
		return PhaseCancelled
	}
	return o.turn.phase
}

// Loading reports whether a turn is in flight.
func (o *Orchestrator) Loading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn != nil
}

// LastError returns the last recorded error, nil after a successful send starts.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// Streaming returns the partial content of the in-flight message, if any.
func (o *Orchestrator) Streaming() (stream.State, bool) {
	o.mu.Lock()
	t := o.turn
	var acc *stream.Accumulator
	if t != nil && !t.token.Cancelled() {
		acc = t.acc
	}
	o.mu.Unlock()
	if acc == nil {
		return stream.State{}, false
	}
	return acc.State(), true
}

func (o *Orchestrator) run(t *Turn) {
	ctx := context.Background()
	sm := o.machine(t)

	if err := sm.FireCtx(ctx, triggerSend); err != nil {
		logger.L.Error("turn machine error", logger.Err(err))
		if t.err == nil {
			t.err = fmt.Errorf("turn machine: %w", err)
		}
	}

	final := sm.MustState().(Phase)
	res := Result{ConversationID: t.conversationID, MessageID: t.messageID}
	switch {
	case final == PhaseCancelled || (t.err == nil && t.token.Cancelled()):
		res.Outcome = OutcomeCancelled
	case t.err != nil || final != PhaseIdle:
		res.Outcome = OutcomeFailed
		res.Err = t.err
		if res.Err == nil {
			res.Err = fmt.Errorf("turn ended in phase %s", final)
		}
	default:
		res.Outcome = OutcomeCompleted
		res.Content = t.final
	}
	o.finish(t, final, res)
}

func (o *Orchestrator) finish(t *Turn, final Phase, res Result) {
	t.token.Release()

	o.mu.Lock()
	t.result = res
	o.turn = nil
	o.lastPhase = final
	if res.Outcome == OutcomeCancelled {
		o.lastPhase = PhaseCancelled
	}
	if res.Err != nil {
		o.lastError = res.Err
	}
	o.mu.Unlock()

	logger.L.Info("turn finished", "conversation_id", res.ConversationID, "message_id", res.MessageID, "outcome", res.Outcome)
	o.publish(events.Loading(false))
	if res.Err != nil {
		o.publish(events.Error(res.Err))
	}
	close(t.done)
}

func (o *Orchestrator) machine(t *Turn) *stateless.StateMachine {
	sm := stateless.NewStateMachine(PhaseIdle)

	// Transition callbacks only run after entry actions, so the phase is recorded on entry.
	configure := func(p Phase) *stateless.StateConfiguration {
		return sm.Configure(p).OnEntry(func(ctx context.Context, args ...any) error {
			o.mu.Lock()
			t.phase = p
			o.mu.Unlock()
			o.publish(events.Phase(t.conversationID, string(p)))
			return nil
		})
	}
	sm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		logger.L.Debug("turn transition", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger, "conversation_id", t.conversationID)
	})

	failWith := func(ctx context.Context, err error) error {
		t.err = err
		return sm.FireCtx(ctx, triggerFail)
	}

	configure(PhaseIdle).
		Permit(triggerSend, PhaseUserAppended)

	// State: UserAppended
	// Action: make sure a conversation is selected, then persist the user message.
	configure(PhaseUserAppended).
		OnEntry(func(ctx context.Context, args ...any) error {
			convID := o.cache.Selected()
			if convID == "" {
				conv, _, err := o.repo.CreateConversation(ctx, "")
				if err != nil {
					return failWith(ctx, err)
				}
				o.changed()
				convID = conv.ID
				o.selectLocal(ctx, convID)
			}
			t.conversationID = convID
			o.mu.Lock()
			t.result.ConversationID = convID
			o.mu.Unlock()

			_, _, err := o.repo.AppendMessage(ctx, convID, chat.RoleUser, t.text)
			if err != nil {
				return failWith(ctx, err)
			}
			o.changed()
			return sm.FireCtx(ctx, triggerPlaceholder)
		}).
		Permit(triggerPlaceholder, PhaseAssistantPlaceholderCreated).
		Permit(triggerFail, PhaseFailed)

	// State: AssistantPlaceholderCreated
	// Action: persist the empty assistant message; its ID is the only handle used from here on.
	configure(PhaseAssistantPlaceholderCreated).
		OnEntry(func(ctx context.Context, args ...any) error {
			msg, _, err := o.repo.AppendMessage(ctx, t.conversationID, chat.RoleAssistant, "")
			if err != nil {
				return failWith(ctx, err)
			}
			t.messageID = msg.ID
			o.changed()
			return sm.FireCtx(ctx, triggerGenerate)
		}).
		Permit(triggerGenerate, PhaseGenerating).
		Permit(triggerFail, PhaseFailed)

	// State: Generating
	// Action: call the backend under the turn's token. Nothing is persisted per chunk.
	configure(PhaseGenerating).
		OnEntry(func(ctx context.Context, args ...any) error {
			if t.token.Cancelled() {
				return sm.FireCtx(ctx, triggerCancel)
			}
			client, err := o.newClient(t.settings)
			if err != nil {
				return failWith(ctx, chat.Backend("generate", err))
			}

			final, err := o.generate(t, client)
			if t.token.Cancelled() {
				return sm.FireCtx(ctx, triggerCancel)
			}
			if err != nil {
				logger.L.Warn("generation failed", "conversation_id", t.conversationID, "message_id", t.messageID, logger.Err(err))
				return failWith(ctx, chat.Backend("generate", err))
			}
			t.final = final
			return sm.FireCtx(ctx, triggerGenerationDone)
		}).
		Permit(triggerGenerationDone, PhaseFinalizing).
		Permit(triggerCancel, PhaseCancelled).
		Permit(triggerFail, PhaseFailed)

	// State: Finalizing
	// Action: write the final text into the placeholder by ID, then derive the title once.
	configure(PhaseFinalizing).
		OnEntry(func(ctx context.Context, args ...any) error {
			o.mu.Lock()
			if t.token.Cancelled() {
				o.mu.Unlock()
				return sm.FireCtx(ctx, triggerCancel)
			}
			t.committed = true
			o.mu.Unlock()

			_, err := o.repo.FillMessage(ctx, t.conversationID, t.messageID, t.final)
			if err != nil {
				return failWith(ctx, err)
			}
			o.changed()
			o.publish(events.Final(t.conversationID, t.messageID, t.final))
			o.deriveTitle(ctx, t.conversationID)
			return sm.FireCtx(ctx, triggerFinalized)
		}).
		Permit(triggerFinalized, PhaseIdle).
		Permit(triggerCancel, PhaseCancelled).
		Permit(triggerFail, PhaseFailed)

	// State: Cancelled
	// Action: none. The placeholder keeps whatever it held, normally "".
	configure(PhaseCancelled)

	// State: Failed
	// Action: on a backend failure, replace the placeholder with the fixed error text.
	configure(PhaseFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			if t.messageID == "" || !errors.Is(t.err, chat.ErrBackend) || t.token.Cancelled() {
				return nil
			}
			_, err := o.repo.FillMessage(ctx, t.conversationID, t.messageID, chat.GenerationErrorText)
			if err != nil {
				logger.L.Error("could not record generation error", "conversation_id", t.conversationID, "message_id", t.messageID, logger.Err(err))
				return nil
			}
			o.changed()
			return nil
		})

	return sm
}

// generate runs one backend call and returns the full text.
func (o *Orchestrator) generate(t *Turn, client llm.Client) (string, error) {
	req := llm.RequestFromSettings(t.settings, t.text)
	ctx := t.token.Context()

	if !t.settings.StreamingEnabled {
		resp, err := client.Generate(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Response, nil
	}

	acc := stream.NewAccumulator(t.conversationID, t.messageID)
	o.mu.Lock()
	t.acc = acc
	o.mu.Unlock()

	err := client.GenerateStream(ctx, req, func(chunk string) error {
		if t.token.Cancelled() {
			return errDiscard
		}
		content := acc.Append(chunk)
		if o.partials.Allow() {
			o.publish(events.Partial(t.conversationID, t.messageID, content))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.L.Debug("stream finished", "conversation_id", t.conversationID, "message_id", t.messageID, "chunks", acc.Chunks())
	return acc.String(), nil
}

// deriveTitle names a conversation after its first completed turn. Failures are only logged.
func (o *Orchestrator) deriveTitle(ctx context.Context, conversationID string) {
	conv, ok := o.cache.Find(conversationID)
	if !ok || !conv.NeedsTitle() {
		return
	}
	applied, _, err := o.repo.DeriveTitle(ctx, conversationID)
	if err != nil {
		logger.L.Warn("title derivation failed", "conversation_id", conversationID, logger.Err(err))
		return
	}
	if applied {
		o.changed()
	}
}
