package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-engine/config"
	"chat-engine/internal/notify"
	"chat-engine/internal/services"
	"chat-engine/internal/store"
	"chat-engine/internal/testutil"
	"chat-engine/monitoring"
)

type fixture struct {
	t     *testing.T
	store *store.Store
	clock *testutil.Clock
	chat  *ChatHandler
	admin *AdminHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		ProviderCapacity:      3,
		DefaultRatePerMinute:  400,
		PriorityWaitThreshold: 180 * time.Second,
		MatchRetries:          3,
		StoreRetries:          5,
		HeartbeatInterval:     60 * time.Second,
		HeartbeatGrace:        120 * time.Second,
		WatchdogInterval:      30 * time.Second,
		QueueDispatchInterval: 5 * time.Second,
	}
	st := testutil.NewStore(t)
	clock := testutil.NewClock()
	pub := &notify.Recorder{}
	monitor := monitoring.NewMonitor()

	queue := services.NewQueueService(st, pub, cfg, monitor)
	matcher := services.NewMatcher(st, cfg, monitor)
	sessions := services.NewSessionService(st, matcher, pub, cfg, monitor)
	billing := services.NewBillingService(st, sessions, monitor)
	watchdog := services.NewWatchdog(st, sessions, nil, cfg, "test")
	dispatcher := services.NewDispatcher(st, sessions, pub, nil, cfg, monitor, "test")

	queue.Now = clock.Now
	sessions.Now = clock.Now
	billing.Now = clock.Now
	watchdog.Now = clock.Now
	dispatcher.Now = clock.Now

	admin := NewAdminHandler(st, watchdog, dispatcher, cfg)
	admin.Now = clock.Now

	return &fixture{
		t:     t,
		store: st,
		clock: clock,
		chat:  NewChatHandler(queue, matcher, sessions, billing),
		admin: admin,
	}
}

// call runs handler against a JSON request and decodes the JSON response.
func call(t *testing.T, handler func(*core.RequestEvent) error, body any) (int, map[string]any, error) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec

	err := handler(e)
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out, err
}

func (f *fixture) do(body map[string]any) (int, map[string]any) {
	f.t.Helper()
	code, out, err := call(f.t, f.chat.Handle, body)
	require.NoError(f.t, err)
	return code, out
}

func TestChat_FullSessionFlow(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")
	testutil.Fund(t, f.store, "c1", "10.00", f.clock.Now())

	code, out := f.do(map[string]any{"action": "join_queue", "customer_id": "c1", "preferred_language": "en"})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, out["queue_id"])

	code, out = f.do(map[string]any{"action": "check_queue_status", "customer_id": "c1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["queue_position"])
	assert.Equal(t, false, out["is_priority"])
	assert.Equal(t, "en", out["preferred_language"])

	code, out = f.do(map[string]any{"action": "get_available_woman", "preferred_language": "en"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "p1", out["provider_id"])

	code, out = f.do(map[string]any{"action": "start_chat", "customer_id": "c1", "provider_id": "p1"})
	require.Equal(t, http.StatusOK, code)
	chatID, _ := out["chat_id"].(string)
	require.NotEmpty(t, chatID)
	assert.Equal(t, 4.0, out["rate_per_minute"])

	f.clock.Advance(2 * time.Minute)
	code, out = f.do(map[string]any{"action": "heartbeat", "chat_id": chatID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2.0, out["minutes_elapsed"])
	assert.Equal(t, 8.0, out["earnings"])
	assert.Equal(t, 2.0, out["remaining_balance"])

	f.clock.Advance(time.Minute)
	code, out = f.do(map[string]any{"action": "heartbeat", "chat_id": chatID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["end_chat"])
	assert.Equal(t, "insufficient_balance", out["reason"])
	assert.Equal(t, 2.0, out["remaining_balance"])

	code, out = f.do(map[string]any{"action": "end_chat", "chat_id": chatID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])
}

func TestChat_HeartbeatAfterTimeout(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")
	testutil.Fund(t, f.store, "c1", "10.00", f.clock.Now())

	code, out := f.do(map[string]any{"action": "start_chat", "customer_id": "c1", "provider_id": "p1"})
	require.Equal(t, http.StatusOK, code)
	chatID, _ := out["chat_id"].(string)

	f.clock.Advance(5 * time.Minute)
	code, out, err := call(t, f.admin.SweepWatchdog, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["ended"])

	code, out = f.do(map[string]any{"action": "heartbeat", "chat_id": chatID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["end_chat"])
	assert.Equal(t, "timeout", out["reason"])
	assert.Equal(t, 10.0, out["remaining_balance"])
}

func TestChat_LeaveQueue(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(map[string]any{"action": "join_queue", "customer_id": "c1", "preferred_language": "lo"})
	require.Equal(t, http.StatusOK, code)

	code, out := f.do(map[string]any{"action": "leave_queue", "customer_id": "c1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])

	code, out = f.do(map[string]any{"action": "check_queue_status", "customer_id": "c1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", out["code"])
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		body    map[string]any
		message string
	}{
		{"join without customer", map[string]any{"action": "join_queue", "preferred_language": "en"}, "customer_id is required"},
		{"join without language", map[string]any{"action": "join_queue", "customer_id": "c1"}, "preferred_language is required"},
		{"start without provider", map[string]any{"action": "start_chat", "customer_id": "c1"}, "provider_id is required"},
		{"heartbeat without chat", map[string]any{"action": "heartbeat"}, "chat_id is required"},
		{"end with system reason", map[string]any{"action": "end_chat", "chat_id": "x", "reason": "timeout"}, "reason must be one of"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, err := call(t, f.chat.Handle, tt.body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "invalid_argument", out["code"])
			assert.Contains(t, out["error"], tt.message)
		})
	}
}

func TestChat_UnknownAction(t *testing.T) {
	f := newFixture(t)

	_, _, err := call(t, f.chat.Handle, map[string]any{"action": "reboot"})
	var apiErr *router.ApiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestChat_NoProviderAvailable(t *testing.T) {
	f := newFixture(t)

	code, out := f.do(map[string]any{"action": "get_available_woman", "preferred_language": "en"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "no provider available", out["error"])
}

func TestChat_StartWithoutBalance(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")

	code, out := f.do(map[string]any{"action": "start_chat", "customer_id": "c1", "provider_id": "p1"})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "insufficient_balance", out["code"])
}

func TestChat_Transfer(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")
	testutil.Fund(t, f.store, "c1", "10.00", f.clock.Now())

	_, out := f.do(map[string]any{"action": "start_chat", "customer_id": "c1", "provider_id": "p1"})
	chatID := out["chat_id"].(string)

	code, out := f.do(map[string]any{"action": "transfer_chat", "chat_id": chatID})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, true, out["session_ended"])
	assert.Equal(t, "no_transfer_available", out["reason"])

	testutil.Fund(t, f.store, "c2", "10.00", f.clock.Now())
	testutil.OpenProvider(t, f.store, "p2")
	_, out = f.do(map[string]any{"action": "start_chat", "customer_id": "c2", "provider_id": "p1"})
	chatID = out["chat_id"].(string)

	code, out = f.do(map[string]any{"action": "transfer_chat", "chat_id": chatID})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "p2", out["new_provider_id"])
	assert.NotEqual(t, chatID, out["new_chat_id"])
}

func TestChat_MatchAndStart(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")
	testutil.Fund(t, f.store, "c1", "10.00", f.clock.Now())

	code, out := f.do(map[string]any{"action": "match_and_start", "customer_id": "c1", "preferred_language": "en"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "p1", out["provider_id"])
	assert.NotEmpty(t, out["chat_id"])
}

func TestAdmin_ProvidersAndWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, out, err := call(t, f.admin.SetAvailability, map[string]any{"provider_id": "p1", "is_available": true})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["is_available"])

	code, out, err = call(t, f.admin.SetAvailability, map[string]any{"provider_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, out["error"], "is_available is required")

	code, out, err = call(t, f.admin.ListProviders, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, out["providers"], 1)

	code, out, err = call(t, f.admin.CreditWallet, map[string]any{"customer_id": "c1", "amount": "5.00"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5.0, out["balance"])

	code, _, err = call(t, f.admin.CreditWallet, map[string]any{"customer_id": "c1", "amount": 0})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, code)

	txs, err := f.store.Transactions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "admin", txs[0].Reference)
}

func TestAdmin_CatalogEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, _, err := call(t, f.admin.SetRate, map[string]any{"rate_per_minute": "5.50"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	rate, ok, err := f.store.ActiveRate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 550, rate)

	code, _, err = call(t, f.admin.SaveLanguageGroup, map[string]any{
		"group_id": "sea", "name": "South-East Asia", "position": 1, "member_language_codes": []string{"lo", "th"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	group, err := f.store.GroupForLanguage(ctx, "th")
	require.NoError(t, err)
	assert.Equal(t, "sea", group.ID)

	code, _, err = call(t, f.admin.AssignShift, map[string]any{"provider_id": "p1", "group_id": "sea"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)

	code, _, err = call(t, f.admin.SaveProfile, map[string]any{"id": "p1", "display_name": "Noy", "primary_language": "lo"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	profile, err := f.store.Profile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Noy", profile.DisplayName)
}

func TestAdmin_Workers(t *testing.T) {
	f := newFixture(t)
	testutil.OpenProvider(t, f.store, "p1")
	testutil.Fund(t, f.store, "c1", "10.00", f.clock.Now())

	code, _ := f.do(map[string]any{"action": "join_queue", "customer_id": "c1", "preferred_language": "en"})
	require.Equal(t, http.StatusOK, code)

	code, out, err := call(t, f.admin.QueueDashboard, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["available_providers"])
	assert.Equal(t, 3.0, out["free_slots"])

	code, out, err = call(t, f.admin.ProcessQueue, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["started"])

	f.clock.Advance(5 * time.Minute)
	code, out, err = call(t, f.admin.SweepWatchdog, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, out["ended"])
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("disk I/O error") })

	code, out, err := call(t, NewHealthHandler(ok, nil).Check, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", out["status"])

	code, out, err = call(t, NewHealthHandler(down, nil).Check, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", out["status"])

	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(errors.New("connection refused"))
	code, _, err = call(t, NewHealthHandler(ok, db).Check, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
