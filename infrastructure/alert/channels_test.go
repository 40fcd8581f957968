package alert

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTelegram struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramChannelFiltersByPriority(t *testing.T) {
	api := &fakeTelegram{}
	ch := newTelegramChannel("telegram", api, 42, PriorityHigh)

	require.NoError(t, ch.Send(context.Background(), Alert{Title: "tier", Message: "caution", Priority: PriorityLow}))
	assert.Empty(t, api.sent)

	require.NoError(t, ch.Send(context.Background(), Alert{
		Title:    "kill switch",
		Message:  "activated by ops",
		Priority: PriorityCritical,
		Fields:   map[string]interface{}{"b": 2, "a": 1},
	}))
	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(42), api.sent[0].ChatID)
	assert.True(t, strings.HasPrefix(api.sent[0].Text, "🚨 kill switch"))
	assert.Contains(t, api.sent[0].Text, "a=1 b=2")
}

func TestTelegramChannelError(t *testing.T) {
	api := &fakeTelegram{err: errors.New("429 too many requests")}
	ch := newTelegramChannel("telegram", api, 1, PriorityLow)
	err := ch.Send(context.Background(), Alert{Priority: PriorityHigh})
	assert.ErrorContains(t, err, "telegram send")
}

func TestLogChannelLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	ch := NewLogChannel("log", zap.New(core))

	ctx := context.Background()
	require.NoError(t, ch.Send(ctx, Alert{Message: "halt", Priority: PriorityCritical}))
	require.NoError(t, ch.Send(ctx, Alert{Message: "pause", Priority: PriorityMedium}))
	require.NoError(t, ch.Send(ctx, Alert{Message: "caution", Priority: PriorityLow}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.InfoLevel, entries[2].Level)
}

func TestFormatConsoleStableFields(t *testing.T) {
	msg := formatConsole(Alert{
		Title:     "circuit opened",
		Message:   "primary",
		Priority:  PriorityHigh,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Fields:    map[string]interface{}{"z": 1, "a": "x"},
	})
	assert.Contains(t, msg, "[HIGH]")
	assert.Contains(t, msg, "2026-01-02 03:04:05")
	assert.True(t, strings.HasSuffix(msg, "a=x z=1"))
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub("ws", nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), Alert{ID: "1", Title: "halt", Priority: PriorityCritical}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"title":"halt"`)
	assert.Contains(t, string(payload), `"priority":"critical"`)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
