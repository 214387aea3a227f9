package bot

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/logging"
	"github.com/chatrelay/chatrelay/provider"
	"github.com/chatrelay/chatrelay/quota"
	"github.com/chatrelay/chatrelay/relay"
	"github.com/chatrelay/chatrelay/session"
	"github.com/chatrelay/chatrelay/store"
)

type stubChannel struct {
	mu      sync.Mutex
	units   map[string]string
	order   []string
	notices []string
	nextID  int
}

func newStubChannel() *stubChannel {
	return &stubChannel{units: make(map[string]string)}
}

func (c *stubChannel) CreateUnit(_ context.Context, _ string, text string, _ bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("m%d", c.nextID)
	c.units[id] = text
	c.order = append(c.order, id)
	return id, nil
}

func (c *stubChannel) EditUnit(_ context.Context, _ string, unitID, text string, _ core.RenderMode, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[unitID]; !ok {
		return core.ErrUnitNotEditable
	}
	c.units[unitID] = text
	return nil
}

func (c *stubChannel) ClearControls(_ context.Context, _ string, _ string) error { return nil }

func (c *stubChannel) Notify(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
	return nil
}

func (c *stubChannel) lastUnitText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return ""
	}
	return c.units[c.order[len(c.order)-1]]
}

func (c *stubChannel) unitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *stubChannel) noticeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notices)
}

// blockingProvider emits an optional fragment, signals start and then holds
// the stream open until the generation context is cancelled.
type blockingProvider struct {
	frag    string
	started chan struct{}
}

func newBlockingProvider(frag string) *blockingProvider {
	return &blockingProvider{frag: frag, started: make(chan struct{})}
}

func (p *blockingProvider) Stream(ctx context.Context, _ provider.Request) (<-chan string, <-chan error) {
	out := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if p.frag != "" {
			out <- p.frag
		}
		close(p.started)
		<-ctx.Done()
	}()
	return out, errCh
}

func (p *blockingProvider) Info() provider.Info {
	return provider.Info{Name: "blocking", Vendor: "mock"}
}

func instantRelay(o *Options) {
	o.Relay.EditInterval = 0
}

func newTestEngine(prov provider.Provider, optFns ...func(o *Options)) (*Engine, *stubChannel, *store.InMemory) {
	ch := newStubChannel()
	st := store.NewInMemory()
	ledger := quota.NewLedger(st)
	e := NewEngine(ch, prov, st, st, ledger, append([]func(o *Options){instantRelay}, optFns...)...)
	return e, ch, st
}

func TestEngine_HandleMessageHappyPath(t *testing.T) {
	mock := provider.NewMock("test", 4)
	mock.AddResponse("hi", "hello there")
	e, ch, st := newTestEngine(mock)

	out, err := e.HandleMessage(context.Background(), Inbound{UserID: "1", Username: "ada", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusDone, out.Status)
	assert.Equal(t, "hello there", out.FullText)
	assert.Equal(t, "hello there", ch.lastUnitText())

	turns, err := st.RecentTurns(context.Background(), "1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, core.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Text())
	assert.Equal(t, core.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hello there", turns[1].Text())

	snap, err := e.Limits(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultDailyAllowance-1, snap.Remaining, "one free unit was spent")
}

func TestEngine_HistoryWindowReachesProvider(t *testing.T) {
	mock := provider.NewMock("test", 64)
	mock.AddResponse("second question", "second answer")
	e, _, st := newTestEngine(mock)
	ctx := context.Background()

	_, err := e.HandleMessage(ctx, Inbound{UserID: "1", Text: "first question"})
	require.NoError(t, err)
	out, err := e.HandleMessage(ctx, Inbound{UserID: "1", Text: "second question"})
	require.NoError(t, err)
	assert.Equal(t, "second answer", out.FullText, "the canned answer keyed by the latest user turn was selected")

	turns, err := st.RecentTurns(ctx, "1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestEngine_BusyUserIsRejected(t *testing.T) {
	prov := newBlockingProvider("working")
	e, ch, _ := newTestEngine(prov)

	done := make(chan relay.Outcome, 1)
	go func() {
		out, _ := e.HandleMessage(context.Background(), Inbound{UserID: "1", Text: "go"})
		done <- out
	}()
	<-prov.started

	_, err := e.HandleMessage(context.Background(), Inbound{UserID: "1", Text: "again"})
	assert.ErrorIs(t, err, session.ErrBusy)
	assert.Equal(t, 1, ch.noticeCount(), "busy notice was sent")
	assert.True(t, e.Busy("1"))

	require.True(t, e.CancelGeneration("1"))
	select {
	case out := <-done:
		assert.Equal(t, relay.StatusCancelled, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}
}

func TestEngine_CancelRefundsQuota(t *testing.T) {
	prov := newBlockingProvider("partial")
	e, _, _ := newTestEngine(prov)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.HandleMessage(context.Background(), Inbound{UserID: "1", Text: "go"})
	}()
	<-prov.started

	require.True(t, e.CancelGeneration("1"))
	<-done

	snap, err := e.Limits(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultDailyAllowance, snap.Remaining, "cancelled generation refunds its unit")

	assert.False(t, e.CancelGeneration("1"), "second cancel finds nothing")
}

func TestEngine_QuotaExhausted(t *testing.T) {
	mock := provider.NewMock("test", 4)
	e, ch, st := newTestEngine(mock)
	ctx := context.Background()

	_, err := st.Upsert(ctx, core.User{ID: "1"})
	require.NoError(t, err)
	require.NoError(t, st.SetFreeQuota(ctx, "1", 0, time.Now()))

	out, err := e.HandleMessage(ctx, Inbound{UserID: "1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusEmpty, out.Status)
	assert.Equal(t, 0, ch.unitCount(), "no placeholder is created for rejected traffic")
	assert.Equal(t, 1, ch.noticeCount())

	turns, err := st.RecentTurns(ctx, "1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns, "rejected messages are not persisted")
}

func TestEngine_GenerationSummaryUsesStructuredLogger(t *testing.T) {
	mock := provider.NewMock("test", 4)
	mock.AddResponse("hi", "hello there")

	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.LogLevelInfo,
		Format: "json",
		Output: &buf,
	})
	e, _, _ := newTestEngine(mock, func(o *Options) { o.Logger = logger })

	_, err := e.HandleMessage(context.Background(), Inbound{UserID: "1", Text: "hi"})
	require.NoError(t, err)

	logged := buf.String()
	assert.Contains(t, logged, "Generation completed")
	assert.Contains(t, logged, `"user_id":"1"`)
	assert.Contains(t, logged, `"generation_id"`)
	assert.Contains(t, logged, `"unit_count"`)
}

func TestEngine_ClearHistory(t *testing.T) {
	mock := provider.NewMock("test", 4)
	e, _, _ := newTestEngine(mock)
	ctx := context.Background()

	_, err := e.HandleMessage(ctx, Inbound{UserID: "1", Text: "hi"})
	require.NoError(t, err)

	n, err := e.ClearHistory(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
