package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"chat-engine/internal/services"
	"chat-engine/internal/status"
	"chat-engine/models"
)

// chatRequest is the body of every chat action. Each action copies the
// fields it uses into its own validated input.
type chatRequest struct {
	Action            string `json:"action"`
	CustomerID        string `json:"customer_id"`
	ProviderID        string `json:"provider_id"`
	ChatID            string `json:"chat_id"`
	PreferredLanguage string `json:"preferred_language"`
	Reason            string `json:"reason"`
}

type customerInput struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
}

type queueInput struct {
	CustomerID        string `json:"customer_id" validate:"required,max=128"`
	PreferredLanguage string `json:"preferred_language" validate:"required,max=16"`
}

type languageInput struct {
	PreferredLanguage string `json:"preferred_language" validate:"max=16"`
}

type startInput struct {
	CustomerID string `json:"customer_id" validate:"required,max=128"`
	ProviderID string `json:"provider_id" validate:"required,max=128"`
}

type chatInput struct {
	ChatID string `json:"chat_id" validate:"required,max=128"`
}

type endInput struct {
	ChatID string `json:"chat_id" validate:"required,max=128"`
	Reason string `json:"reason" validate:"omitempty,oneof=user_ended provider_ended"`
}

type action struct {
	input  func(r chatRequest) any
	handle func(h *ChatHandler, e *core.RequestEvent, req chatRequest) error
}

func customerFields(r chatRequest) any { return customerInput{r.CustomerID} }

func queueFields(r chatRequest) any { return queueInput{r.CustomerID, r.PreferredLanguage} }

func chatFields(r chatRequest) any { return chatInput{r.ChatID} }

var actions = map[string]action{
	"join_queue":          {queueFields, (*ChatHandler).joinQueue},
	"leave_queue":         {customerFields, (*ChatHandler).leaveQueue},
	"check_queue_status":  {customerFields, (*ChatHandler).checkQueueStatus},
	"get_available_woman": {func(r chatRequest) any { return languageInput{r.PreferredLanguage} }, (*ChatHandler).getAvailableProvider},
	"start_chat":          {func(r chatRequest) any { return startInput{r.CustomerID, r.ProviderID} }, (*ChatHandler).startChat},
	"match_and_start":     {queueFields, (*ChatHandler).matchAndStart},
	"heartbeat":           {chatFields, (*ChatHandler).heartbeat},
	"end_chat":            {func(r chatRequest) any { return endInput{r.ChatID, r.Reason} }, (*ChatHandler).endChat},
	"transfer_chat":       {chatFields, (*ChatHandler).transferChat},
}

type ChatHandler struct {
	queue    *services.QueueService
	matcher  *services.Matcher
	sessions *services.SessionService
	billing  *services.BillingService
	validate *validator.Validate
}

func NewChatHandler(queue *services.QueueService, matcher *services.Matcher, sessions *services.SessionService, billing *services.BillingService) *ChatHandler {
	return &ChatHandler{
		queue:    queue,
		matcher:  matcher,
		sessions: sessions,
		billing:  billing,
		validate: newValidator(),
	}
}

// Handle serves POST /api/v1/chat, dispatching on the action field.
func (h *ChatHandler) Handle(e *core.RequestEvent) error {
	var req chatRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	act, ok := actions[req.Action]
	if !ok {
		return apis.NewBadRequestError(fmt.Sprintf("Unknown action %q", req.Action), nil)
	}

	if err := h.validate.Struct(act.input(req)); err != nil {
		return writeError(e, validationError(err))
	}
	return act.handle(h, e, req)
}

func (h *ChatHandler) joinQueue(e *core.RequestEvent, req chatRequest) error {
	entry, err := h.queue.JoinQueue(e.Request.Context(), req.CustomerID, req.PreferredLanguage)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"queue_id": entry.ID})
}

func (h *ChatHandler) leaveQueue(e *core.RequestEvent, req chatRequest) error {
	if err := h.queue.LeaveQueue(e.Request.Context(), req.CustomerID); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (h *ChatHandler) checkQueueStatus(e *core.RequestEvent, req chatRequest) error {
	pos, err := h.queue.CheckQueueStatus(e.Request.Context(), req.CustomerID)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, pos)
}

func (h *ChatHandler) getAvailableProvider(e *core.RequestEvent, req chatRequest) error {
	provider, err := h.matcher.GetAvailableProvider(e.Request.Context(), req.PreferredLanguage)
	if errors.Is(err, status.ErrNoProviderAvailable) {
		return e.JSON(http.StatusOK, map[string]any{"error": "no provider available"})
	} else if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, provider)
}

func (h *ChatHandler) startChat(e *core.RequestEvent, req chatRequest) error {
	session, err := h.sessions.StartChat(e.Request.Context(), req.CustomerID, req.ProviderID)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"chat_id":         session.ID,
		"rate_per_minute": session.RatePerMinute,
	})
}

func (h *ChatHandler) matchAndStart(e *core.RequestEvent, req chatRequest) error {
	session, sel, err := h.sessions.MatchAndStart(e.Request.Context(), req.CustomerID, req.PreferredLanguage)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"chat_id":          session.ID,
		"provider_id":      session.ProviderID,
		"rate_per_minute":  session.RatePerMinute,
		"language_matched": sel.LanguageMatched,
	})
}

func (h *ChatHandler) heartbeat(e *core.RequestEvent, req chatRequest) error {
	res, err := h.billing.Heartbeat(e.Request.Context(), req.ChatID)
	if res.Ended {
		return e.JSON(http.StatusOK, map[string]any{
			"end_chat":          true,
			"reason":            res.EndReason,
			"remaining_balance": res.RemainingBalance,
		})
	}
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"minutes_elapsed":   res.Session.TotalMinutes(),
		"earnings":          res.Session.TotalEarned,
		"remaining_balance": res.RemainingBalance,
		"charged":           res.Charged,
	})
}

func (h *ChatHandler) endChat(e *core.RequestEvent, req chatRequest) error {
	if _, err := h.sessions.EndChat(e.Request.Context(), req.ChatID, req.Reason); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (h *ChatHandler) transferChat(e *core.RequestEvent, req chatRequest) error {
	ctx := e.Request.Context()
	res, err := h.sessions.TransferChat(ctx, req.ChatID)
	if errors.Is(err, status.ErrNoProviderAvailable) {
		return e.JSON(status.HTTPStatus(err), map[string]any{
			"error":         err.Error(),
			"code":          status.Code(err),
			"session_ended": true,
			"reason":        endReason(ctx, h.sessions, req.ChatID),
		})
	} else if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"new_chat_id":     res.Next.ID,
		"new_provider_id": res.Next.ProviderID,
	})
}

func endReason(ctx context.Context, sessions *services.SessionService, chatID string) string {
	session, err := sessions.GetSession(ctx, chatID)
	if err != nil {
		return models.EndReasonNoTransfer
	}
	return session.EndReason
}

// writeError renders a domain error as {error, code} with its HTTP status.
func writeError(e *core.RequestEvent, err error) error {
	code := status.HTTPStatus(err)
	if code >= http.StatusInternalServerError && !errors.Is(err, status.ErrNoProviderAvailable) {
		slog.Error("Chat request failed", "path", e.Request.URL.Path, "error", err)
		return e.JSON(code, map[string]string{"error": "internal error", "code": status.Code(err)})
	}
	return e.JSON(code, map[string]string{"error": err.Error(), "code": status.Code(err)})
}
