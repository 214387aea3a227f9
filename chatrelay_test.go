package chatrelay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay"
	"github.com/chatrelay/chatrelay/bot"
	"github.com/chatrelay/chatrelay/core"
	"github.com/chatrelay/chatrelay/provider"
	"github.com/chatrelay/chatrelay/quota"
	"github.com/chatrelay/chatrelay/relay"
)

type recordingChannel struct {
	mu     sync.Mutex
	units  map[string]string
	order  []string
	nextID int
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{units: make(map[string]string)}
}

func (c *recordingChannel) CreateUnit(_ context.Context, _ string, text string, _ bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("m%d", c.nextID)
	c.units[id] = text
	c.order = append(c.order, id)
	return id, nil
}

func (c *recordingChannel) EditUnit(_ context.Context, _ string, unitID, text string, _ core.RenderMode, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[unitID] = text
	return nil
}

func (c *recordingChannel) ClearControls(context.Context, string, string) error { return nil }

func (c *recordingChannel) Notify(context.Context, string, string) error { return nil }

func (c *recordingChannel) lastUnitText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return ""
	}
	return c.units[c.order[len(c.order)-1]]
}

func TestChatRelay_EndToEnd(t *testing.T) {
	ch := newRecordingChannel()
	mock := provider.NewMock("demo", 6)
	mock.AddResponse("hello", "**Hi!** How can I help?")

	r := chatrelay.New(ch, mock, func(o *chatrelay.Options) {
		o.Instruction = "You are talking to {{.FirstName}}."
		o.RelayConfig.EditInterval = 0
	})
	ctx := context.Background()

	out, err := r.HandleMessage(ctx, bot.Inbound{UserID: "1", FirstName: "Ada", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, relay.StatusDone, out.Status)
	assert.Equal(t, "**Hi!** How can I help?", out.FullText)
	assert.Equal(t, "<b>Hi!</b> How can I help?", ch.lastUnitText(), "markup reaches the channel transcoded")

	limits, err := r.Limits(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, quota.DefaultDailyAllowance-1, limits.Remaining)

	n, err := r.ClearHistory(ctx, "1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.False(t, r.Busy("1"))
	assert.False(t, r.CancelGeneration("1"), "nothing to cancel after completion")
}

func TestChatRelay_AdminService(t *testing.T) {
	ch := newRecordingChannel()
	r := chatrelay.New(ch, provider.NewMock("demo", 6))
	ctx := context.Background()

	_, err := r.HandleMessage(ctx, bot.Inbound{UserID: "1", Username: "ada", Text: "hi"})
	require.NoError(t, err)

	report, err := r.Admin().Report(ctx)
	require.NoError(t, err)
	assert.Contains(t, report, "Users: 1 total")

	_, err = r.Admin().GrantSubscription(ctx, "1", 30)
	require.NoError(t, err)

	limits, err := r.Limits(ctx, "1")
	require.NoError(t, err)
	assert.True(t, limits.Unlimited)
}
