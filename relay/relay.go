package relay

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/logging"
	"github.com/chatrelay/chatrelay/markup"
)

// Status classifies how a relay run ended.
type Status int

const (
	// StatusDone means the fragment stream was exhausted and the final
	// segment was rendered (possibly after a mid-stream provider error).
	StatusDone Status = iota
	// StatusEmpty means the provider yielded zero fragments.
	StatusEmpty
	// StatusCancelled means the generation was cancelled cooperatively.
	StatusCancelled
	// StatusFailed means an unrecoverable error stopped the run.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusEmpty:
		return "empty"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome reports the result of one relay run.
type Outcome struct {
	Status   Status
	FullText string // ordered concatenation of every provider fragment
	Units    int    // output units created during the run
	Persist  bool   // store FullText as an assistant turn
	Err      error  // terminal or mid-stream error, if any
}

// Config tunes the relay against channel-imposed limits.
type Config struct {
	// MaxUnitLength is the rendered ceiling per output unit in code
	// points, kept below the channel's hard limit as safety margin.
	MaxUnitLength int
	// EditInterval is the minimum wall-clock distance between edits to the
	// same unit.
	EditInterval time.Duration
	// Ellipsis decorates in-progress segments.
	Ellipsis string
	// Placeholder seeds a freshly created unit before text arrives.
	Placeholder string
	// Notice texts for the terminal states.
	CancelledNotice string
	FailedNotice    string
	NoAnswerNotice  string
}

// DefaultConfig returns the channel defaults: 4000 code points per unit and
// one edit per 1.5 seconds.
func DefaultConfig() Config {
	return Config{
		MaxUnitLength:   4000,
		EditInterval:    1500 * time.Millisecond,
		Ellipsis:        "...",
		Placeholder:     "⏳",
		CancelledNotice: "Generation cancelled.",
		FailedNotice:    "Something went wrong while generating the answer. Please try again.",
		NoAnswerNotice:  "The assistant returned no answer. Please try again.",
	}
}

// Options configures a Relay instance.
type Options struct {
	Config Config
	Logger logging.Logger
}

// Relay drives the streaming state machine for one generation at a time.
// A single Relay is safe for concurrent Run calls: all mutable state lives
// in the per-run scope.
type Relay struct {
	channel core.Channel
	cfg     Config
	logger  logging.Logger
}

// New constructs a Relay writing to the given channel.
func New(channel core.Channel, optFns ...func(o *Options)) *Relay {
	opts := Options{Config: DefaultConfig(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Relay{channel: channel, cfg: opts.Config, logger: opts.Logger}
}

// runState is the mutable per-run scope, exclusively owned by one task.
type runState struct {
	userID   string
	unitID   string // empty while no editable unit exists
	segIndex int
	segment  strings.Builder // raw text of the current segment
	full     strings.Builder // raw text of the whole answer
	degraded bool
	throttle *Throttle
	units    int
}

// Run consumes the provider's fragment stream and mutates output units
// until the stream ends, fails or the context is cancelled. Both channels
// must be closed by the provider when the stream terminates.
func (r *Relay) Run(ctx context.Context, userID string, fragments <-chan string, errs <-chan error) Outcome {
	st := &runState{userID: userID, throttle: NewThrottle(r.cfg.EditInterval)}

	unitID, err := r.channel.CreateUnit(ctx, userID, r.cfg.Placeholder, true)
	if err != nil {
		r.logger.Error("placeholder creation failed", "user_id", userID, "error", err)
		return Outcome{Status: StatusFailed, Err: err}
	}
	st.unitID = unitID
	st.units = 1

	var provErr error
stream:
	for fragments != nil || errs != nil {
		select {
		case <-ctx.Done():
			return r.cancelled(st)
		case frag, ok := <-fragments:
			if !ok {
				fragments = nil
				continue
			}
			if frag == "" {
				continue
			}
			if out, stop := r.consume(ctx, st, frag); stop {
				return out
			}
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if perr == nil {
				continue
			}
			// Providers forward the context error when the generation is
			// cancelled; when both the error and ctx.Done() are ready the
			// select may pick either, so a cancelled run must not be
			// mistaken for a provider failure.
			if ctx.Err() != nil || errors.Is(perr, context.Canceled) {
				return r.cancelled(st)
			}
			provErr = perr
			break stream
		}
	}
	if ctx.Err() != nil {
		// Cancellation can also race with the channel closures themselves.
		return r.cancelled(st)
	}

	if provErr != nil && st.full.Len() == 0 {
		// Failure before the first fragment is fatal for the generation.
		return r.failed(ctx, st, provErr)
	}
	return r.finalize(ctx, st, provErr)
}

// consume appends one fragment, decides overflow and drives the throttled
// mid-stream edit. The returned stop flag carries a terminal outcome.
func (r *Relay) consume(ctx context.Context, st *runState, frag string) (Outcome, bool) {
	st.full.WriteString(frag)

	tentative := st.segment.String() + frag
	rendered, mode := r.render(st, tentative)
	if st.degraded && mode == core.RenderRich {
		// render never reports rich once degraded; guard stays for clarity.
		mode = core.RenderPlain
	}

	if utf8.RuneCountInString(rendered)+utf8.RuneCountInString(r.cfg.Ellipsis) > r.cfg.MaxUnitLength {
		if !r.rotate(ctx, st, frag) {
			return Outcome{Status: StatusFailed, FullText: st.full.String(), Units: st.units, Err: errors.New("could not open a new output unit")}, true
		}
		return Outcome{}, false
	}

	st.segment.WriteString(frag)
	if cancelledMidEdit := r.maybeEdit(ctx, st, rendered+r.cfg.Ellipsis, mode); cancelledMidEdit {
		return r.cancelled(st), true
	}
	return Outcome{}, false
}

// render produces the channel text for raw segment text, degrading to raw
// rendering (sticky for the rest of the run) when transcoding fails.
func (r *Relay) render(st *runState, raw string) (string, core.RenderMode) {
	if st.degraded {
		return raw, core.RenderPlain
	}
	out, err := markup.Transcode(raw)
	if err != nil {
		r.degrade(st, "transcode", err)
		return raw, core.RenderPlain
	}
	return out, core.RenderRich
}

// degrade switches the run to raw rendering permanently.
func (r *Relay) degrade(st *runState, reason string, err error) {
	if st.degraded {
		return
	}
	st.degraded = true
	r.logger.Warn("formatting degraded to raw text",
		"user_id", st.userID, "reason", reason, "error", err)
}

// maybeEdit performs the throttle-gated in-progress edit. It reports true
// when cancellation was observed during a backoff sleep.
func (r *Relay) maybeEdit(ctx context.Context, st *runState, text string, mode core.RenderMode) bool {
	if st.unitID == "" {
		// The unit vanished; keep accumulating, the next overflow or the
		// finalize step recreates a unit.
		return false
	}
	if !st.throttle.Allow(time.Now()) {
		return false
	}

	err := r.channel.EditUnit(ctx, st.userID, st.unitID, text, mode, true)
	if err == nil {
		return false
	}

	var retry *core.RetryAfterError
	switch {
	case errors.As(err, &retry):
		st.throttle.Backoff(time.Now(), retry.After)
		r.logger.Warn("channel backoff", "user_id", st.userID, "after", retry.After)
		if !r.sleep(ctx, st.throttle.BackoffDelay(time.Now())) {
			return true
		}
	case errors.Is(err, core.ErrUnitNotEditable):
		r.logger.Warn("output unit no longer editable", "user_id", st.userID, "unit_id", st.unitID)
		st.unitID = ""
	default:
		r.degrade(st, "edit", err)
	}
	return false
}

// sleep suspends for d, reporting false when the context was cancelled.
func (r *Relay) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// rotate finalizes the current segment into its unit, removes the cancel
// affordance and opens the next unit seeded with frag. It reports false
// when the new unit could not be created.
func (r *Relay) rotate(ctx context.Context, st *runState, frag string) bool {
	finalText, mode := r.render(st, st.segment.String())
	if st.unitID != "" && finalText != "" {
		if err := r.channel.EditUnit(ctx, st.userID, st.unitID, finalText, mode, true); err != nil {
			if mode == core.RenderRich {
				r.degrade(st, "segment finalize", err)
				err = r.channel.EditUnit(ctx, st.userID, st.unitID, st.segment.String(), core.RenderPlain, true)
			}
			if err != nil {
				r.logger.Error("segment finalize failed, unit lost",
					"user_id", st.userID, "unit_id", st.unitID, "segment", st.segIndex, "error", err)
				st.unitID = ""
			}
		}
	}
	// Invariant: the old unit loses its cancel affordance before the next
	// unit exists. A failed removal is tolerated.
	if st.unitID != "" {
		if err := r.channel.ClearControls(ctx, st.userID, st.unitID); err != nil {
			r.logger.Warn("could not clear controls on finalized segment",
				"user_id", st.userID, "unit_id", st.unitID, "error", err)
		}
	}

	newID, err := r.channel.CreateUnit(ctx, st.userID, r.cfg.Ellipsis, true)
	if err != nil {
		r.logger.Error("could not open next output unit",
			"user_id", st.userID, "segment", st.segIndex+1, "error", err)
		return false
	}
	st.unitID = newID
	st.units++
	st.segIndex++
	st.segment.Reset()
	st.segment.WriteString(frag)
	// Start the edit clock from the fresh placeholder.
	_ = st.throttle.Allow(time.Now())
	return true
}

// finalize renders the last segment without decoration, handling the empty
// stream and delivery fallbacks.
func (r *Relay) finalize(ctx context.Context, st *runState, provErr error) Outcome {
	if st.full.Len() == 0 {
		r.notifyTerminal(ctx, st, r.cfg.NoAnswerNotice)
		return Outcome{Status: StatusEmpty, Units: st.units}
	}

	finalText, mode := r.render(st, st.segment.String())
	deliverErr := r.deliverFinal(ctx, st, finalText, mode)

	out := Outcome{
		FullText: st.full.String(),
		Units:    st.units,
		Persist:  true, // the run reached finalizing with a non-empty answer
		Err:      provErr,
	}
	if deliverErr != nil {
		out.Status = StatusFailed
		out.Err = errors.Join(provErr, deliverErr)
		return out
	}
	out.Status = StatusDone
	return out
}

// deliverFinal writes the final segment, falling back from rich to raw and
// from editing to fresh units split at the channel ceiling.
func (r *Relay) deliverFinal(ctx context.Context, st *runState, finalText string, mode core.RenderMode) error {
	if st.unitID != "" {
		err := r.channel.EditUnit(ctx, st.userID, st.unitID, finalText, mode, false)
		if err != nil && mode == core.RenderRich {
			r.degrade(st, "finalize", err)
			err = r.channel.EditUnit(ctx, st.userID, st.unitID, st.segment.String(), core.RenderPlain, false)
		}
		if err == nil {
			return nil
		}
		r.logger.Error("final edit failed, sending fresh units",
			"user_id", st.userID, "unit_id", st.unitID, "error", err)
		st.unitID = ""
	}

	// No editable unit is left: deliver the segment as new units.
	for _, chunk := range markup.Split(st.segment.String(), r.cfg.MaxUnitLength) {
		if _, err := r.channel.CreateUnit(ctx, st.userID, chunk, false); err != nil {
			return err
		}
		st.units++
	}
	return nil
}

// cancelled rewrites the current unit to the cancellation notice. The
// generation context is already cancelled, so the notice uses a short
// detached context; failures are swallowed.
func (r *Relay) cancelled(st *runState) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.notifyTerminal(ctx, st, r.cfg.CancelledNotice)
	r.logger.Info("generation cancelled",
		"user_id", st.userID, "units", st.units, "chars", st.full.Len())
	return Outcome{Status: StatusCancelled, FullText: st.full.String(), Units: st.units}
}

// failed reports an unrecoverable error with a best-effort user notice.
func (r *Relay) failed(ctx context.Context, st *runState, err error) Outcome {
	r.notifyTerminal(ctx, st, r.cfg.FailedNotice)
	r.logger.Error("generation failed", "user_id", st.userID, "error", err)
	return Outcome{Status: StatusFailed, Units: st.units, Err: err}
}

// notifyTerminal writes a terminal notice into the current unit when one
// exists, else as a standalone message. Best effort.
func (r *Relay) notifyTerminal(ctx context.Context, st *runState, text string) {
	var err error
	if st.unitID != "" {
		err = r.channel.EditUnit(ctx, st.userID, st.unitID, text, core.RenderPlain, false)
	} else {
		err = r.channel.Notify(ctx, st.userID, text)
	}
	if err != nil {
		r.logger.Warn("terminal notice not delivered", "user_id", st.userID, "error", err)
	}
}
