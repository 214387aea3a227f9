package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/core"
)

type fakeUnit struct {
	id              string
	text            string
	mode            core.RenderMode
	cancelable      bool
	controlsCleared bool
	edits           int
}

// fakeChannel records every channel operation in order and can fail edits
// from a scripted error queue.
type fakeChannel struct {
	mu             sync.Mutex
	units          map[string]*fakeUnit
	order          []string
	notices        []string
	ops            []string
	editErrs       []error // popped per EditUnit call, nil entry means success
	failNextCreate bool
	nextID         int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{units: make(map[string]*fakeUnit)}
}

func (c *fakeChannel) CreateUnit(_ context.Context, _ string, text string, cancelable bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNextCreate {
		c.failNextCreate = false
		return "", errors.New("create refused")
	}
	c.nextID++
	id := fmt.Sprintf("m%d", c.nextID)
	c.units[id] = &fakeUnit{id: id, text: text, cancelable: cancelable}
	c.order = append(c.order, id)
	c.ops = append(c.ops, "create:"+id)
	return id, nil
}

func (c *fakeChannel) EditUnit(_ context.Context, _ string, unitID, text string, mode core.RenderMode, cancelable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.editErrs) > 0 {
		err := c.editErrs[0]
		c.editErrs = c.editErrs[1:]
		if err != nil {
			return err
		}
	}
	u, ok := c.units[unitID]
	if !ok {
		return core.ErrUnitNotEditable
	}
	u.text = text
	u.mode = mode
	u.cancelable = cancelable
	u.edits++
	c.ops = append(c.ops, "edit:"+unitID)
	return nil
}

func (c *fakeChannel) ClearControls(_ context.Context, _ string, unitID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.units[unitID]; ok {
		u.controlsCleared = true
		u.cancelable = false
	}
	c.ops = append(c.ops, "clear:"+unitID)
	return nil
}

func (c *fakeChannel) Notify(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
	return nil
}

func (c *fakeChannel) unit(t *testing.T, idx int) *fakeUnit {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Less(t, idx, len(c.order))
	return c.units[c.order[idx]]
}

// feed closes over a fragment script: every string goes to the fragment
// channel, a trailing error (when set) goes to the error channel, then both
// channels close.
func feed(frags []string, provErr error) (<-chan string, <-chan error) {
	fc := make(chan string)
	ec := make(chan error, 1)
	go func() {
		defer close(fc)
		defer close(ec)
		for _, f := range frags {
			fc <- f
		}
		if provErr != nil {
			ec <- provErr
		}
	}()
	return fc, ec
}

func instantEdits(o *Options) {
	o.Config.EditInterval = 0
}

func TestRelay_SingleUnitHappyPath(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	frags, errs := feed([]string{"Hel", "lo, ", "world", "!"}, nil)
	out := r.Run(context.Background(), "u1", frags, errs)

	assert.Equal(t, StatusDone, out.Status)
	assert.Equal(t, "Hello, world!", out.FullText)
	assert.True(t, out.Persist)
	assert.Equal(t, 1, out.Units)

	u := ch.unit(t, 0)
	assert.Equal(t, "Hello, world!", u.text, "final text carries no ellipsis")
	assert.Equal(t, core.RenderRich, u.mode)
	assert.False(t, u.cancelable, "controls are gone after finalization")
	assert.GreaterOrEqual(t, u.edits, 2, "in-progress edits precede the final one")
}

func TestRelay_OverflowRotatesUnits(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits, func(o *Options) {
		o.Config.MaxUnitLength = 10
	})

	// "aaaa" renders to 4+3 code points with the ellipsis, "bbbb" would push
	// the first unit past the ceiling of 10.
	frags, errs := feed([]string{"aaaa", "bbbb"}, nil)
	out := r.Run(context.Background(), "u1", frags, errs)

	require.Equal(t, StatusDone, out.Status)
	assert.Equal(t, "aaaabbbb", out.FullText)
	assert.Equal(t, 2, out.Units)

	first := ch.unit(t, 0)
	assert.Equal(t, "aaaa", first.text, "overflowed segment is finalized without the new fragment")
	assert.True(t, first.controlsCleared)

	second := ch.unit(t, 1)
	assert.Equal(t, "bbbb", second.text)
	assert.False(t, second.cancelable)

	// The old unit is finalized and loses its controls before the next unit
	// exists.
	assert.Equal(t, []string{"create:m1", "edit:m1", "edit:m1", "clear:m1", "create:m2", "edit:m2"}, ch.ops)
}

func TestRelay_EmptyStream(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	frags, errs := feed(nil, nil)
	out := r.Run(context.Background(), "u1", frags, errs)

	assert.Equal(t, StatusEmpty, out.Status)
	assert.False(t, out.Persist)
	assert.Equal(t, DefaultConfig().NoAnswerNotice, ch.unit(t, 0).text)
}

func TestRelay_ProviderErrorBeforeFirstFragment(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	provErr := errors.New("upstream unavailable")
	fc := make(chan string)
	ec := make(chan error, 1)
	ec <- provErr
	out := r.Run(context.Background(), "u1", fc, ec)

	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, provErr)
	assert.False(t, out.Persist)
	assert.Equal(t, DefaultConfig().FailedNotice, ch.unit(t, 0).text)
}

func TestRelay_ProviderErrorMidStreamKeepsPartial(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	provErr := errors.New("stream interrupted")
	fc := make(chan string)
	ec := make(chan error)
	go func() {
		fc <- "partial answer"
		ec <- provErr
		// Channels stay open: the relay must not require a clean close after
		// an error.
	}()
	out := r.Run(context.Background(), "u1", fc, ec)

	assert.Equal(t, StatusDone, out.Status, "partial text is still finalized")
	assert.Equal(t, "partial answer", out.FullText)
	assert.True(t, out.Persist)
	assert.ErrorIs(t, out.Err, provErr)
	assert.Equal(t, "partial answer", ch.unit(t, 0).text)
}

func TestRelay_Cancellation(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	ctx, cancel := context.WithCancel(context.Background())
	fc := make(chan string)
	ec := make(chan error)
	go func() {
		fc <- "thinking about"
		cancel()
	}()
	out := r.Run(ctx, "u1", fc, ec)

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "thinking about", out.FullText)
	assert.False(t, out.Persist)
	assert.Equal(t, DefaultConfig().CancelledNotice, ch.unit(t, 0).text)
}

func TestRelay_CancellationWithForwardedContextError(t *testing.T) {
	// Providers forward ctx.Err() on the error channel when the generation
	// is cancelled, so the relay may observe the cancellation as a provider
	// error first. The run must still end cancelled and unpersisted.
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	ctx, cancel := context.WithCancel(context.Background())
	fc := make(chan string)
	ec := make(chan error, 1)
	go func() {
		fc <- "partial"
		cancel()
		ec <- context.Canceled
		close(fc)
		close(ec)
	}()
	out := r.Run(ctx, "u1", fc, ec)

	assert.Equal(t, StatusCancelled, out.Status)
	assert.Equal(t, "partial", out.FullText)
	assert.False(t, out.Persist)
	assert.Equal(t, DefaultConfig().CancelledNotice, ch.unit(t, 0).text)
}

func TestRelay_CancellationRacingStreamClose(t *testing.T) {
	// Cancellation can arrive between the last fragment and the channel
	// closures; a cancelled run must not be finalized as done.
	ch := newFakeChannel()
	r := New(ch, instantEdits)

	ctx, cancel := context.WithCancel(context.Background())
	fc := make(chan string)
	ec := make(chan error)
	go func() {
		fc <- "partial"
		cancel()
		close(fc)
		close(ec)
	}()
	out := r.Run(ctx, "u1", fc, ec)

	assert.Equal(t, StatusCancelled, out.Status)
	assert.False(t, out.Persist)
}

func TestRelay_UnitGoneDeliversFreshUnits(t *testing.T) {
	ch := newFakeChannel()
	ch.editErrs = []error{core.ErrUnitNotEditable}
	r := New(ch, instantEdits)

	frags, errs := feed([]string{"aaa", "bbb"}, nil)
	out := r.Run(context.Background(), "u1", frags, errs)

	require.Equal(t, StatusDone, out.Status)
	assert.Equal(t, "aaabbb", out.FullText)
	assert.True(t, out.Persist)

	// The placeholder unit was lost after the first edit failed, so the
	// accumulated text arrives as a fresh unit.
	require.Equal(t, 2, out.Units)
	fresh := ch.unit(t, 1)
	assert.Equal(t, "aaabbb", fresh.text)
	assert.False(t, fresh.cancelable)
}

func TestRelay_EditFailureDegradesToRaw(t *testing.T) {
	ch := newFakeChannel()
	ch.editErrs = []error{errors.New("entity parse failure")}
	r := New(ch, instantEdits)

	frags, errs := feed([]string{"**bold**", " tail"}, nil)
	out := r.Run(context.Background(), "u1", frags, errs)

	require.Equal(t, StatusDone, out.Status)
	u := ch.unit(t, 0)
	assert.Equal(t, core.RenderPlain, u.mode, "degradation is sticky through finalization")
	assert.Equal(t, "**bold** tail", u.text, "raw markup is shown untranscoded")
}

func TestRelay_BackoffHonoredThenRecovers(t *testing.T) {
	ch := newFakeChannel()
	ch.editErrs = []error{&core.RetryAfterError{After: 5 * time.Millisecond}}
	r := New(ch, instantEdits)

	frags, errs := feed([]string{"one", " two"}, nil)
	start := time.Now()
	out := r.Run(context.Background(), "u1", frags, errs)

	require.Equal(t, StatusDone, out.Status)
	assert.Equal(t, "one two", ch.unit(t, 0).text)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond, "requested backoff is slept through")
}

func TestRelay_NextUnitCreationFailureIsFatal(t *testing.T) {
	ch := newFakeChannel()
	r := New(ch, instantEdits, func(o *Options) {
		o.Config.MaxUnitLength = 10
	})

	fc := make(chan string)
	ec := make(chan error)
	go func() {
		fc <- "aaaa"
		ch.mu.Lock()
		ch.failNextCreate = true
		ch.mu.Unlock()
		fc <- "bbbb"
		close(fc)
		close(ec)
	}()
	out := r.Run(context.Background(), "u1", fc, ec)

	assert.Equal(t, StatusFailed, out.Status)
	assert.Error(t, out.Err)
	assert.Equal(t, "aaaabbbb", out.FullText, "accumulated text is still reported")
}
