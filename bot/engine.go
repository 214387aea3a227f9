package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/internal/util"
	"github.com/chatrelay/chatrelay/logging"
	"github.com/chatrelay/chatrelay/provider"
	"github.com/chatrelay/chatrelay/quota"
	"github.com/chatrelay/chatrelay/relay"
	"github.com/chatrelay/chatrelay/session"
)

// DefaultHistoryTurns is the conversation window sent to the provider:
// five exchanges, user and assistant turns counted separately.
const DefaultHistoryTurns = 10

// Inbound is one normalized incoming message from the channel.
type Inbound struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Text      string
	// ImageURL optionally attaches an image (https URL or data URI).
	ImageURL string
}

// Options configures the engine.
type Options struct {
	// Instruction is the system prompt for every generation.
	Instruction string
	// HistoryTurns bounds the conversation window sent to the provider.
	HistoryTurns int
	// Relay tunes the streaming delivery.
	Relay relay.Config
	// Notice texts for admission rejections.
	BusyNotice  string
	QuotaNotice string
	Logger      logging.Logger
}

// Engine handles inbound traffic for one channel and one provider.
type Engine struct {
	channel  core.Channel
	provider provider.Provider
	users    core.UserStore
	history  core.HistoryStore
	quota    core.QuotaLedger
	sessions *session.Registry
	relay    *relay.Relay
	opts     Options
	logger   logging.Logger
}

// NewEngine wires an engine from its collaborators.
func NewEngine(
	channel core.Channel,
	prov provider.Provider,
	users core.UserStore,
	history core.HistoryStore,
	ledger core.QuotaLedger,
	optFns ...func(o *Options),
) *Engine {
	opts := Options{
		HistoryTurns: DefaultHistoryTurns,
		Relay:        relay.DefaultConfig(),
		BusyNotice:   "An answer is already being generated. Wait for it to finish or cancel it.",
		QuotaNotice:  "You have used up today's free messages. Come back tomorrow or subscribe.",
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{
		channel:  channel,
		provider: prov,
		users:    users,
		history:  history,
		quota:    ledger,
		sessions: session.NewRegistry(),
		relay: relay.New(channel, func(o *relay.Options) {
			o.Config = opts.Relay
			o.Logger = opts.Logger
		}),
		opts:   opts,
		logger: opts.Logger,
	}
}

// HandleMessage runs the full pipeline for one inbound message. A busy or
// out-of-quota user gets a notice and session.ErrBusy respectively a zero
// outcome; everything else streams the answer.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) (relay.Outcome, error) {
	user, err := e.users.Upsert(ctx, core.User{
		ID:        in.UserID,
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
	})
	if err != nil {
		return relay.Outcome{}, fmt.Errorf("upsert user: %w", err)
	}

	gen, err := e.sessions.Admit(ctx, in.UserID)
	if err != nil {
		e.notify(ctx, in.UserID, e.opts.BusyNotice)
		return relay.Outcome{}, err
	}
	defer e.sessions.Release(gen)

	allowed, consumed, err := e.quota.TryConsume(ctx, in.UserID)
	if err != nil {
		return relay.Outcome{}, fmt.Errorf("quota check: %w", err)
	}
	if !allowed {
		e.notify(ctx, in.UserID, e.opts.QuotaNotice)
		return relay.Outcome{Status: relay.StatusEmpty}, nil
	}
	if consumed {
		gen.MarkConsumed()
	}

	if err := e.history.AppendTurn(ctx, in.UserID, core.RoleUser, in.Text); err != nil {
		return relay.Outcome{}, fmt.Errorf("persist user turn: %w", err)
	}

	req, err := e.buildRequest(ctx, in, user)
	if err != nil {
		return relay.Outcome{}, err
	}

	start := time.Now()
	frags, errs := e.provider.Stream(gen.Context(), req)
	out := e.relay.Run(gen.Context(), in.UserID, frags, errs)

	if out.Status == relay.StatusCancelled && gen.Consumed() {
		if rerr := e.quota.RestoreOne(ctx, in.UserID); rerr != nil {
			e.logger.Error("quota refund failed", "user_id", in.UserID, "error", rerr)
		}
	}
	if out.Persist && out.FullText != "" {
		if perr := e.history.AppendTurn(ctx, in.UserID, core.RoleAssistant, out.FullText); perr != nil {
			e.logger.Error("persist assistant turn failed", "user_id", in.UserID, "error", perr)
		}
	}

	e.logGeneration(in.UserID, gen.ID, out, time.Since(start))
	return out, nil
}

// logGeneration records the run summary, through the structured generation
// helper when the configured logger carries one.
func (e *Engine) logGeneration(userID, generationID string, out relay.Outcome, dur time.Duration) {
	if gl, ok := e.logger.(*logging.ChatRelayLogger); ok {
		gl.WithGeneration(userID, generationID).
			LogGeneration(out.Status.String(), out.Units, len(out.FullText), dur, out.Err)
		return
	}
	e.logger.Info("generation finished",
		"user_id", userID,
		"generation_id", generationID,
		"status", out.Status.String(),
		"units", out.Units,
		"chars", len(out.FullText),
		"duration", dur,
	)
}

// buildRequest assembles the provider request from the stored history. The
// just-persisted user turn is part of the window; an attached image is
// spliced into that final turn.
func (e *Engine) buildRequest(ctx context.Context, in Inbound, user core.User) (provider.Request, error) {
	turns, err := e.history.RecentTurns(ctx, in.UserID, e.opts.HistoryTurns)
	if err != nil {
		return provider.Request{}, fmt.Errorf("load history: %w", err)
	}
	if in.ImageURL != "" && len(turns) > 0 {
		last := &turns[len(turns)-1]
		if last.Role == core.RoleUser {
			last.Parts = append(last.Parts, core.ImagePart{URL: in.ImageURL})
		}
	}
	return provider.Request{Instruction: e.instructionFor(user), History: turns}, nil
}

// instructionFor renders the system prompt, expanding optional template
// variables with the user's profile.
func (e *Engine) instructionFor(user core.User) string {
	rendered, err := util.RenderTemplate(e.opts.Instruction, map[string]any{
		"FirstName": user.FirstName,
		"LastName":  user.LastName,
		"Username":  user.Username,
		"UserID":    user.ID,
	})
	if err != nil {
		e.logger.Warn("instruction template invalid, using raw text", "error", err)
		return e.opts.Instruction
	}
	return rendered
}

// CancelGeneration cancels the user's in-flight generation. It reports
// whether one was actually running; a second cancel is a no-op.
func (e *Engine) CancelGeneration(userID string) bool {
	gen := e.sessions.Cancel(userID)
	if gen == nil {
		return false
	}
	e.logger.Info("generation cancel requested", "user_id", userID, "generation_id", gen.ID)
	return true
}

// ClearHistory wipes the user's conversation and returns the number of
// removed turns.
func (e *Engine) ClearHistory(ctx context.Context, userID string) (int64, error) {
	return e.history.Clear(ctx, userID)
}

// Limits returns the user's current allowance view when the configured
// ledger supports snapshots.
func (e *Engine) Limits(ctx context.Context, userID string) (quota.Snapshot, error) {
	s, ok := e.quota.(interface {
		Snapshot(ctx context.Context, userID string) (quota.Snapshot, error)
	})
	if !ok {
		return quota.Snapshot{}, fmt.Errorf("quota ledger does not expose snapshots")
	}
	return s.Snapshot(ctx, userID)
}

// Busy reports whether a generation is currently running for the user.
func (e *Engine) Busy(userID string) bool {
	_, ok := e.sessions.Lookup(userID)
	return ok
}

func (e *Engine) notify(ctx context.Context, userID, text string) {
	if err := e.channel.Notify(ctx, userID, text); err != nil {
		e.logger.Warn("notice not delivered", "user_id", userID, "error", err)
	}
}
