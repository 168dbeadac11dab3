package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-engine/internal/status"
	"chat-engine/internal/store"
	"chat-engine/models"
	"chat-engine/monitoring"
)

// HeartbeatResult reports a billing tick. On a replayed heartbeat nothing
// was charged and the totals are the session's current ones.
type HeartbeatResult struct {
	Session          models.ChatSession
	Charged          models.Amount
	RemainingBalance models.Amount
	Replayed         bool
	Ended            bool
	EndReason        string
}

type BillingService struct {
	store    *store.Store
	sessions *SessionService
	monitor  *monitoring.Monitor
	Now      Clock
}

func NewBillingService(st *store.Store, sessions *SessionService, monitor *monitoring.Monitor) *BillingService {
	return &BillingService{store: st, sessions: sessions, monitor: monitor}
}

// Heartbeat bills the time since the session's last activity. The session's
// whole billed time is priced once and the tick is charged the difference
// from what was already earned, so rounding never loses or invents money no
// matter how often heartbeats arrive. The charge is debited only if the
// wallet covers all of it; otherwise nothing is debited, the session ends
// with reason insufficient_balance and the returned error wraps
// ErrInsufficientBalance.
//
// A session already ended by the watchdog or for lack of balance reports
// Ended with its reason and an error wrapping ErrTimeout or
// ErrInsufficientBalance.
func (b *BillingService) Heartbeat(ctx context.Context, chatID string) (HeartbeatResult, error) {
	if strings.TrimSpace(chatID) == "" {
		return HeartbeatResult{}, fmt.Errorf("chat_id is required: %w", status.ErrInvalidArgument)
	}

	now := b.Now.now()
	var res HeartbeatResult

	err := b.store.Tx(ctx, func(q *store.Queries) error {
		res = HeartbeatResult{}
		session, err := q.Session(ctx, chatID)
		if err != nil {
			return err
		}
		if !session.IsActive() {
			return b.alreadyEnded(ctx, q, session, &res)
		}

		elapsed := now.Sub(session.LastActivityAt)
		if elapsed < 0 {
			elapsed = 0
		}
		charge := tickCharge(session, elapsed)

		advanced, err := q.AdvanceSession(ctx, chatID, session.LastActivityAt, now, elapsed, charge)
		if err != nil {
			return err
		}
		if !advanced {
			res.Replayed = true
			if res.Session, err = q.Session(ctx, chatID); err != nil {
				return err
			}
			res.RemainingBalance, err = q.Balance(ctx, session.CustomerID)
			return err
		}

		if charge == 0 {
			res.RemainingBalance, err = q.Balance(ctx, session.CustomerID)
			if err != nil {
				return err
			}
		} else {
			if res.RemainingBalance, err = q.Debit(ctx, session.CustomerID, chatID, charge, now); err != nil {
				return err
			}
			if err := q.RecordEarning(ctx, session.ProviderID, chatID, charge, now); err != nil {
				return err
			}
		}

		res.Charged = charge
		res.Session, err = q.Session(ctx, chatID)
		return err
	})

	switch {
	case res.Ended:
		b.monitor.TrackHeartbeat("ended", 0)
		return res, err

	case err == nil:
		result := "charged"
		if res.Replayed {
			result = "replayed"
		}
		b.monitor.TrackHeartbeat(result, int64(res.Charged))
		return res, nil

	case errors.Is(err, status.ErrInsufficientBalance):
		return b.endForBalance(ctx, chatID, err)

	default:
		b.monitor.TrackHeartbeat("error", 0)
		return HeartbeatResult{}, err
	}
}

// tickCharge prices the session's billed time including elapsed and
// subtracts what the session already earned.
func tickCharge(session models.ChatSession, elapsed time.Duration) models.Amount {
	due := models.ChargeFor(session.RatePerMinute, session.TotalBilled+elapsed)
	if due <= session.TotalEarned {
		return 0
	}
	return due - session.TotalEarned
}

// alreadyEnded fills res for a heartbeat on an ended session. Only sessions
// the engine ended itself are reported; the rest are not found.
func (b *BillingService) alreadyEnded(ctx context.Context, q *store.Queries, session models.ChatSession, res *HeartbeatResult) error {
	var cause error
	switch session.EndReason {
	case models.EndReasonTimeout:
		cause = status.ErrTimeout
	case models.EndReasonInsufficientBalance:
		cause = status.ErrInsufficientBalance
	default:
		return fmt.Errorf("session %s already ended: %w", session.ID, status.ErrNotFound)
	}

	balance, err := q.Balance(ctx, session.CustomerID)
	if err != nil {
		return err
	}
	*res = HeartbeatResult{
		Session:          session,
		RemainingBalance: balance,
		Ended:            true,
		EndReason:        session.EndReason,
	}
	return fmt.Errorf("session %s ended with reason %s: %w", session.ID, session.EndReason, cause)
}

func (b *BillingService) endForBalance(ctx context.Context, chatID string, cause error) (HeartbeatResult, error) {
	b.monitor.TrackHeartbeat("insufficient_balance", 0)

	session, err := b.sessions.EndChat(ctx, chatID, models.EndReasonInsufficientBalance)
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("end session %s after failed debit: %w", chatID, err)
	}
	balance, err := b.store.Balance(ctx, session.CustomerID)
	if err != nil {
		return HeartbeatResult{}, err
	}

	slog.Info("Session ended for insufficient balance", "chat_id", chatID, "balance", balance.String())
	return HeartbeatResult{
		Session:          session,
		RemainingBalance: balance,
		Ended:            true,
		EndReason:        session.EndReason,
	}, cause
}
