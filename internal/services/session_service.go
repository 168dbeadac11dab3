package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-engine/config"
	"chat-engine/internal/notify"
	"chat-engine/internal/status"
	"chat-engine/internal/store"
	"chat-engine/models"
	"chat-engine/monitoring"
	"chat-engine/utils"
)

type SessionService struct {
	store   *store.Store
	matcher *Matcher
	notify  notify.Publisher
	config  *config.Config
	monitor *monitoring.Monitor
	Now     Clock
}

func NewSessionService(st *store.Store, matcher *Matcher, pub notify.Publisher, cfg *config.Config, monitor *monitoring.Monitor) *SessionService {
	return &SessionService{
		store:   st,
		matcher: matcher,
		notify:  pub,
		config:  cfg,
		monitor: monitor,
	}
}

// TransferResult pairs the session that was handed off with its successor.
type TransferResult struct {
	Previous models.ChatSession
	Next     models.ChatSession
}

// StartChat opens a session between customer and provider at the current
// rate. Either every step happens or none does: the waiting entry, if any, is
// marked matched, a provider slot is claimed and the session row is written.
func (s *SessionService) StartChat(ctx context.Context, customerID, providerID string) (models.ChatSession, error) {
	return s.startChat(ctx, customerID, providerID, false)
}

// StartQueued is StartChat for a customer taken off the wait queue. It fails
// with ErrNotFound when the customer is no longer waiting, so a customer who
// left mid-dispatch is never put into a session.
func (s *SessionService) StartQueued(ctx context.Context, customerID, providerID string) (models.ChatSession, error) {
	return s.startChat(ctx, customerID, providerID, true)
}

func (s *SessionService) startChat(ctx context.Context, customerID, providerID string, fromQueue bool) (models.ChatSession, error) {
	customerID = strings.TrimSpace(customerID)
	providerID = strings.TrimSpace(providerID)
	if customerID == "" || providerID == "" {
		return models.ChatSession{}, fmt.Errorf("customer_id and provider_id are required: %w", status.ErrInvalidArgument)
	}

	now := s.Now.now()
	var session models.ChatSession

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		balance, err := q.Balance(ctx, customerID)
		if err != nil {
			return err
		}
		if balance <= 0 {
			return fmt.Errorf("start chat for %s: %w", customerID, status.ErrInsufficientBalance)
		}

		matched, err := q.FinishWaiting(ctx, customerID, models.QueueMatched, now)
		if err != nil {
			return err
		}
		if fromQueue && !matched {
			return fmt.Errorf("customer %s is no longer waiting: %w", customerID, status.ErrNotFound)
		}

		rate, err := s.currentRate(ctx, q)
		if err != nil {
			return err
		}

		session, err = s.open(ctx, q, customerID, providerID, rate, "", now)
		return err
	})
	if err != nil {
		return models.ChatSession{}, err
	}

	s.started(ctx, session)
	return session, nil
}

// MatchAndStart selects a provider for the customer and starts the chat.
// Losing the race for a provider's last slot triggers a fresh selection, a
// bounded number of times.
func (s *SessionService) MatchAndStart(ctx context.Context, customerID, preferredLanguage string) (models.ChatSession, Selection, error) {
	return s.matchAndStart(ctx, customerID, preferredLanguage, false)
}

// MatchQueued is MatchAndStart for the dispatcher; see StartQueued.
func (s *SessionService) MatchQueued(ctx context.Context, customerID, preferredLanguage string) (models.ChatSession, Selection, error) {
	return s.matchAndStart(ctx, customerID, preferredLanguage, true)
}

func (s *SessionService) matchAndStart(ctx context.Context, customerID, preferredLanguage string, fromQueue bool) (models.ChatSession, Selection, error) {
	var sel Selection
	session, err := utils.Retry(ctx, "match_and_start", s.config.MatchRetries, isLostRace, func() (models.ChatSession, error) {
		var err error
		sel, err = s.matcher.SelectProvider(ctx, s.store.Queries, preferredLanguage)
		if err != nil {
			return models.ChatSession{}, err
		}
		return s.startChat(ctx, customerID, sel.Provider.ProviderID, fromQueue)
	})
	if err != nil {
		return models.ChatSession{}, Selection{}, err
	}
	return session, sel, nil
}

// EndChat ends the session and releases its provider slot. Ending a session
// that already ended changes nothing and is not an error.
func (s *SessionService) EndChat(ctx context.Context, chatID, reason string) (models.ChatSession, error) {
	if strings.TrimSpace(chatID) == "" {
		return models.ChatSession{}, fmt.Errorf("chat_id is required: %w", status.ErrInvalidArgument)
	}
	if reason == "" {
		reason = models.EndReasonUser
	}

	now := s.Now.now()
	var session models.ChatSession
	ended := false

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		var err error
		ended, err = s.close(ctx, q, chatID, reason, now)
		if err != nil {
			return err
		}
		session, err = q.Session(ctx, chatID)
		return err
	})
	if err != nil {
		return models.ChatSession{}, err
	}

	if ended {
		s.ended(ctx, session)
	}
	return session, nil
}

// ExpireIdle ends an active session with reason timeout if it has had no
// heartbeat since cutoff.
func (s *SessionService) ExpireIdle(ctx context.Context, chatID string, cutoff time.Time) (bool, error) {
	now := s.Now.now()
	var session models.ChatSession
	ended := false

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		current, err := q.Session(ctx, chatID)
		if err != nil {
			return err
		}
		ended, err = q.ExpireSession(ctx, chatID, models.EndReasonTimeout, cutoff, now)
		if err != nil || !ended {
			return err
		}
		if err := q.ReleaseSlot(ctx, current.ProviderID); err != nil {
			return err
		}
		session, err = q.Session(ctx, chatID)
		return err
	})
	if err != nil {
		return false, err
	}

	if ended {
		s.ended(ctx, session)
	}
	return ended, nil
}

// TransferChat hands an active session to a different provider at the same
// frozen rate. When no other provider can take it, the session is ended
// with reason no_transfer_available and ErrNoProviderAvailable is returned;
// the customer is not put back in the queue.
func (s *SessionService) TransferChat(ctx context.Context, chatID string) (TransferResult, error) {
	if strings.TrimSpace(chatID) == "" {
		return TransferResult{}, fmt.Errorf("chat_id is required: %w", status.ErrInvalidArgument)
	}

	result, err := utils.Retry(ctx, "transfer_chat", s.config.MatchRetries, isLostRace, func() (TransferResult, error) {
		return s.transferOnce(ctx, chatID)
	})
	if err == nil {
		s.ended(ctx, result.Previous)
		s.started(ctx, result.Next)
		s.notify.Publish(ctx, notify.Event{
			Type:       notify.SessionTransferred,
			CustomerID: result.Next.CustomerID,
			ProviderID: result.Next.ProviderID,
			ChatID:     result.Next.ID,
			Data: map[string]any{
				"previous_chat_id":     result.Previous.ID,
				"previous_provider_id": result.Previous.ProviderID,
			},
			At: result.Next.StartedAt,
		})
		return result, nil
	}

	if !errors.Is(err, status.ErrNoProviderAvailable) && !errors.Is(err, status.ErrCapacityExceeded) {
		return TransferResult{}, err
	}

	slog.Info("No provider to transfer to, ending session", "chat_id", chatID, "error", err)
	if _, endErr := s.EndChat(ctx, chatID, models.EndReasonNoTransfer); endErr != nil {
		return TransferResult{}, fmt.Errorf("end untransferable session %s: %w", chatID, endErr)
	}
	return TransferResult{}, fmt.Errorf("transfer %s: %w", chatID, status.ErrNoProviderAvailable)
}

func (s *SessionService) transferOnce(ctx context.Context, chatID string) (TransferResult, error) {
	now := s.Now.now()
	var result TransferResult

	err := s.store.Tx(ctx, func(q *store.Queries) error {
		current, err := q.Session(ctx, chatID)
		if err != nil {
			return err
		}
		if !current.IsActive() {
			return fmt.Errorf("session %s already ended: %w", chatID, status.ErrNotFound)
		}

		sel, err := s.matcher.SelectAny(ctx, q, current.ProviderID)
		if err != nil {
			return err
		}

		if _, err := s.close(ctx, q, chatID, models.EndReasonTransferred, now); err != nil {
			return err
		}
		if result.Previous, err = q.Session(ctx, chatID); err != nil {
			return err
		}

		result.Next, err = s.open(ctx, q, current.CustomerID, sel.Provider.ProviderID, current.RatePerMinute, current.ID, now)
		return err
	})
	return result, err
}

func (s *SessionService) GetSession(ctx context.Context, chatID string) (models.ChatSession, error) {
	return s.store.Session(ctx, chatID)
}

// open claims a slot on the provider and writes the session row.
func (s *SessionService) open(ctx context.Context, q *store.Queries, customerID, providerID string, rate models.Amount, transferredFrom string, now time.Time) (models.ChatSession, error) {
	if err := q.ClaimSlot(ctx, providerID, s.config.ProviderCapacity, now); err != nil {
		return models.ChatSession{}, err
	}

	session := models.ChatSession{
		ID:              utils.NewID(),
		CustomerID:      customerID,
		ProviderID:      providerID,
		RatePerMinute:   rate,
		Status:          models.SessionActive,
		StartedAt:       now,
		LastActivityAt:  now,
		TransferredFrom: transferredFrom,
	}
	if err := q.InsertSession(ctx, session); err != nil {
		return models.ChatSession{}, err
	}
	return session, nil
}

// close ends the session and, only if this call ended it, gives the
// provider's slot back.
func (s *SessionService) close(ctx context.Context, q *store.Queries, chatID, reason string, now time.Time) (bool, error) {
	current, err := q.Session(ctx, chatID)
	if err != nil {
		return false, err
	}
	ended, err := q.EndSession(ctx, chatID, reason, now)
	if err != nil || !ended {
		return false, err
	}
	return true, q.ReleaseSlot(ctx, current.ProviderID)
}

func (s *SessionService) currentRate(ctx context.Context, q *store.Queries) (models.Amount, error) {
	rate, ok, err := q.ActiveRate(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.config.DefaultRatePerMinute, nil
	}
	return rate, nil
}

func (s *SessionService) started(ctx context.Context, session models.ChatSession) {
	s.monitor.TrackSessionStarted()
	slog.Info("Chat session started",
		"chat_id", session.ID,
		"customer_id", session.CustomerID,
		"provider_id", session.ProviderID,
		"rate_per_minute", session.RatePerMinute.String(),
	)
	s.notify.Publish(ctx, notify.Event{
		Type:       notify.SessionCreated,
		CustomerID: session.CustomerID,
		ProviderID: session.ProviderID,
		ChatID:     session.ID,
		Data:       map[string]any{"rate_per_minute": session.RatePerMinute},
		At:         session.StartedAt,
	})
}

func (s *SessionService) ended(ctx context.Context, session models.ChatSession) {
	var at time.Time
	if session.EndedAt != nil {
		at = *session.EndedAt
	}
	s.monitor.TrackSessionEnded(session.EndReason, at.Sub(session.StartedAt))
	slog.Info("Chat session ended",
		"chat_id", session.ID,
		"customer_id", session.CustomerID,
		"provider_id", session.ProviderID,
		"reason", session.EndReason,
		"total_earned", session.TotalEarned.String(),
	)
	s.notify.Publish(ctx, notify.Event{
		Type:       notify.SessionEnded,
		CustomerID: session.CustomerID,
		ProviderID: session.ProviderID,
		ChatID:     session.ID,
		Reason:     session.EndReason,
		At:         at,
	})
}

func isLostRace(err error) bool {
	return errors.Is(err, status.ErrCapacityExceeded)
}
