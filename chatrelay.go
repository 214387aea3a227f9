// Package chatrelay provides a high-level façade over the bot engine and
// its collaborators (channel, provider, stores, quota and logging) enabling
// rapid construction of streaming chat-assistant relays. Most applications
// interact with this package by:
//  1. Creating a ChatRelay via New() with a channel and a provider
//     (optionally overriding the default in-memory stores)
//  2. Feeding inbound messages into HandleMessage
//  3. Wiring the channel's cancel affordance to CancelGeneration
//
// The façade delegates orchestration to bot.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply durable store
// implementations and a structured logger.
package chatrelay

import (
	"context"

	"github.com/chatrelay/chatrelay/admin"
	"github.com/chatrelay/chatrelay/bot"
	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/logging"
	"github.com/chatrelay/chatrelay/provider"
	"github.com/chatrelay/chatrelay/quota"
	"github.com/chatrelay/chatrelay/relay"
	"github.com/chatrelay/chatrelay/store"
)

// Options configures the ChatRelay instance.
type Options struct {
	// Instruction is the system prompt for every generation.
	Instruction string

	// HistoryTurns bounds the conversation window sent to the provider.
	HistoryTurns int

	// DailyAllowance is the free-request budget per user and calendar day.
	// Ignored when a custom Ledger is supplied.
	DailyAllowance int

	// RelayConfig tunes streaming delivery (unit ceiling, edit interval,
	// notice texts).
	RelayConfig relay.Config

	// Stores (default to one shared in-memory implementation if not provided)
	UserStore    core.UserStore
	HistoryStore core.HistoryStore

	// Ledger overrides the default allowance ledger built on UserStore.
	Ledger core.QuotaLedger

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ChatRelay is the high-level façade aggregating the engine and the admin
// service.
type ChatRelay struct {
	opts   Options
	engine *bot.Engine
	admin  *admin.Service
}

// New creates a new ChatRelay instance with optional overrides. Any unset
// store is initialized with an in-memory implementation.
func New(channel core.Channel, prov provider.Provider, optFns ...func(o *Options)) *ChatRelay {
	opts := Options{
		HistoryTurns:   bot.DefaultHistoryTurns,
		DailyAllowance: quota.DefaultDailyAllowance,
		RelayConfig:    relay.DefaultConfig(),
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.UserStore == nil || opts.HistoryStore == nil {
		mem := store.NewInMemory()
		if opts.UserStore == nil {
			opts.UserStore = mem
		}
		if opts.HistoryStore == nil {
			opts.HistoryStore = mem
		}
	}
	if opts.Ledger == nil {
		opts.Ledger = quota.NewLedger(opts.UserStore, func(o *quota.Options) {
			o.DailyAllowance = opts.DailyAllowance
			o.Logger = opts.Logger
		})
	}

	engine := bot.NewEngine(channel, prov, opts.UserStore, opts.HistoryStore, opts.Ledger,
		func(o *bot.Options) {
			o.Instruction = opts.Instruction
			o.HistoryTurns = opts.HistoryTurns
			o.Relay = opts.RelayConfig
			o.Logger = opts.Logger
		})

	adm := admin.NewService(opts.UserStore, channel, func(o *admin.Options) {
		o.Logger = opts.Logger
	})

	return &ChatRelay{opts: opts, engine: engine, admin: adm}
}

// HandleMessage runs the full pipeline for one inbound message: user
// upsert, single-flight admission, quota, history, provider streaming and
// relayed delivery.
func (r *ChatRelay) HandleMessage(ctx context.Context, in bot.Inbound) (relay.Outcome, error) {
	return r.engine.HandleMessage(ctx, in)
}

// CancelGeneration cancels the user's in-flight generation, reporting
// whether one was running.
func (r *ChatRelay) CancelGeneration(userID string) bool {
	return r.engine.CancelGeneration(userID)
}

// ClearHistory wipes the user's conversation.
func (r *ChatRelay) ClearHistory(ctx context.Context, userID string) (int64, error) {
	return r.engine.ClearHistory(ctx, userID)
}

// Limits returns the user's current allowance view.
func (r *ChatRelay) Limits(ctx context.Context, userID string) (quota.Snapshot, error) {
	return r.engine.Limits(ctx, userID)
}

// Busy reports whether a generation is currently running for the user.
func (r *ChatRelay) Busy(userID string) bool {
	return r.engine.Busy(userID)
}

// Admin exposes the operator commands (stats, grants, lookup, broadcast).
func (r *ChatRelay) Admin() *admin.Service {
	return r.admin
}
