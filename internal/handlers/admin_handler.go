package handlers

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"chat-engine/config"
	"chat-engine/internal/services"
	"chat-engine/internal/store"
	"chat-engine/models"
)

type AdminHandler struct {
	store      *store.Store
	watchdog   *services.Watchdog
	dispatcher *services.Dispatcher
	config     *config.Config
	validate   *validator.Validate
	Now        services.Clock
}

func NewAdminHandler(st *store.Store, watchdog *services.Watchdog, dispatcher *services.Dispatcher, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		store:      st,
		watchdog:   watchdog,
		dispatcher: dispatcher,
		config:     cfg,
		validate:   newValidator(),
	}
}

func (h *AdminHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

// SetAvailability opens or closes a provider for new sessions.
func (h *AdminHandler) SetAvailability(e *core.RequestEvent) error {
	var req struct {
		ProviderID  string `json:"provider_id" validate:"required,max=128"`
		IsAvailable *bool  `json:"is_available" validate:"required"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}

	ctx := e.Request.Context()
	if err := h.store.SetProviderAvailability(ctx, req.ProviderID, *req.IsAvailable); err != nil {
		return writeError(e, err)
	}
	provider, err := h.store.Provider(ctx, req.ProviderID)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, provider)
}

func (h *AdminHandler) ListProviders(e *core.RequestEvent) error {
	providers, err := h.store.ListProviders(e.Request.Context())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"providers": providers,
		"capacity":  h.config.ProviderCapacity,
	})
}

// CreditWallet tops up a customer's wallet and records a credit ledger row.
func (h *AdminHandler) CreditWallet(e *core.RequestEvent) error {
	var req struct {
		CustomerID string        `json:"customer_id" validate:"required,max=128"`
		Amount     models.Amount `json:"amount" validate:"gt=0"`
		Reference  string        `json:"reference" validate:"max=128"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}
	if req.Reference == "" {
		req.Reference = "admin"
	}

	ctx := e.Request.Context()
	var balance models.Amount
	err := h.store.Tx(ctx, func(q *store.Queries) error {
		var err error
		balance, err = q.Credit(ctx, req.CustomerID, req.Amount, req.Reference, h.now())
		return err
	})
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"customer_id": req.CustomerID,
		"balance":     balance,
	})
}

func (h *AdminHandler) SetRate(e *core.RequestEvent) error {
	var req struct {
		RatePerMinute models.Amount `json:"rate_per_minute" validate:"gt=0"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}
	if err := h.store.SetRate(e.Request.Context(), req.RatePerMinute, h.now()); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"rate_per_minute": req.RatePerMinute})
}

func (h *AdminHandler) SaveLanguageGroup(e *core.RequestEvent) error {
	var req struct {
		ID        string   `json:"group_id" validate:"required,max=64"`
		Name      string   `json:"name" validate:"required,max=128"`
		Position  int      `json:"position" validate:"gte=0"`
		Active    *bool    `json:"active"`
		Languages []string `json:"member_language_codes" validate:"required,min=1,dive,required,max=16"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}

	group := models.LanguageGroup{
		ID:        req.ID,
		Name:      req.Name,
		Position:  req.Position,
		Active:    req.Active == nil || *req.Active,
		Languages: req.Languages,
	}
	ctx := e.Request.Context()
	if err := h.store.Tx(ctx, func(q *store.Queries) error {
		return q.SaveLanguageGroup(ctx, group)
	}); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, group)
}

func (h *AdminHandler) AssignShift(e *core.RequestEvent) error {
	var req struct {
		ProviderID string `json:"provider_id" validate:"required,max=128"`
		GroupID    string `json:"group_id" validate:"required,max=64"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}
	if err := h.store.AssignShift(e.Request.Context(), req.ProviderID, req.GroupID); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (h *AdminHandler) SaveProfile(e *core.RequestEvent) error {
	var req struct {
		ID              string `json:"id" validate:"required,max=128"`
		DisplayName     string `json:"display_name" validate:"required,max=128"`
		PhotoURL        string `json:"photo_url" validate:"omitempty,url"`
		Bio             string `json:"bio" validate:"max=2000"`
		PrimaryLanguage string `json:"primary_language" validate:"max=16"`
	}
	if err := h.bind(e, &req); err != nil {
		return fail(e, err)
	}

	profile := models.Profile{
		ID:              req.ID,
		DisplayName:     req.DisplayName,
		PhotoURL:        req.PhotoURL,
		Bio:             req.Bio,
		PrimaryLanguage: req.PrimaryLanguage,
	}
	if err := h.store.SaveProfile(e.Request.Context(), profile); err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, profile)
}

// QueueDashboard reports waiting counts next to provider capacity.
func (h *AdminHandler) QueueDashboard(e *core.RequestEvent) error {
	snap, err := h.store.Snapshot(e.Request.Context(), h.config.ProviderCapacity, h.now())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"queue":               snap.Queue,
		"active_sessions":     snap.ActiveSessions,
		"available_providers": snap.AvailableProviders,
		"free_slots":          snap.FreeSlots,
	})
}

// ProcessQueue runs one dispatcher pass now.
func (h *AdminHandler) ProcessQueue(e *core.RequestEvent) error {
	started, err := h.dispatcher.ProcessQueue(e.Request.Context())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"started": started})
}

// SweepWatchdog runs one watchdog pass now.
func (h *AdminHandler) SweepWatchdog(e *core.RequestEvent) error {
	ended, err := h.watchdog.Sweep(e.Request.Context())
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ended": ended})
}

func (h *AdminHandler) bind(e *core.RequestEvent, dst any) error {
	if err := e.BindBody(dst); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}
