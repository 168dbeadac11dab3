package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-engine/config"
	"chat-engine/internal/notify"
	"chat-engine/internal/store"
	"chat-engine/internal/testutil"
	"chat-engine/models"
	"chat-engine/monitoring"
)

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *store.Store
	clock      *testutil.Clock
	events     *notify.Recorder
	config     *config.Config
	queue      *QueueService
	matcher    *Matcher
	sessions   *SessionService
	billing    *BillingService
	watchdog   *Watchdog
	dispatcher *Dispatcher
	fillers    int
}

func testConfig() *config.Config {
	return &config.Config{
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
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewStore(t))
}

// newRaceHarness runs on a connection pool so concurrent calls really
// interleave.
func newRaceHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewConcurrentStore(t))
}

func newHarnessOn(t *testing.T, st *store.Store) *harness {
	t.Helper()

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		clock:  testutil.NewClock(),
		events: &notify.Recorder{},
		config: testConfig(),
	}
	monitor := monitoring.NewMonitor()

	h.queue = NewQueueService(h.store, h.events, h.config, monitor)
	h.matcher = NewMatcher(h.store, h.config, monitor)
	h.sessions = NewSessionService(h.store, h.matcher, h.events, h.config, monitor)
	h.billing = NewBillingService(h.store, h.sessions, monitor)
	h.watchdog = NewWatchdog(h.store, h.sessions, nil, h.config, "test")
	h.dispatcher = NewDispatcher(h.store, h.sessions, h.events, nil, h.config, monitor, "test")

	h.queue.Now = h.clock.Now
	h.sessions.Now = h.clock.Now
	h.billing.Now = h.clock.Now
	h.watchdog.Now = h.clock.Now
	h.dispatcher.Now = h.clock.Now
	return h
}

func (h *harness) openProvider(id string) {
	testutil.OpenProvider(h.t, h.store, id)
}

func (h *harness) fund(customerID, amount string) {
	testutil.Fund(h.t, h.store, customerID, amount, h.clock.Now())
}

func (h *harness) provider(id string) models.ProviderAvailability {
	h.t.Helper()
	p, err := h.store.Provider(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) balance(customerID string) models.Amount {
	h.t.Helper()
	b, err := h.store.Balance(h.ctx, customerID)
	require.NoError(h.t, err)
	return b
}

func (h *harness) session(chatID string) models.ChatSession {
	h.t.Helper()
	s, err := h.store.Session(h.ctx, chatID)
	require.NoError(h.t, err)
	return s
}

// fill takes n slots on provider with throwaway funded customers.
func (h *harness) fill(providerID string, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.fillers++
		customer := fmt.Sprintf("filler-%d", h.fillers)
		h.fund(customer, "1.00")
		_, err := h.sessions.StartChat(h.ctx, customer, providerID)
		require.NoError(h.t, err)
	}
}

func (h *harness) group(id string, position int, langs ...string) {
	h.t.Helper()
	require.NoError(h.t, h.store.SaveLanguageGroup(h.ctx, models.LanguageGroup{
		ID: id, Name: id, Position: position, Active: true, Languages: langs,
	}))
}

func (h *harness) shift(providerID, groupID string) {
	h.t.Helper()
	require.NoError(h.t, h.store.AssignShift(h.ctx, providerID, groupID))
}
