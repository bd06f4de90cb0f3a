package routers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/auth"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/metrics"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/notify"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/orderflow"
	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/service"
)

type AccountService interface {
	Register(ctx context.Context, id int64, username string, referrerID *int64) (*models.Account, bool, error)
	Info(ctx context.Context, id int64) (*models.AccountInfo, error)
	Referral(ctx context.Context, id int64) (*service.ReferralInfo, error)
	OrderHistory(ctx context.Context, id int64) ([]models.Order, error)
	AdminStats(ctx context.Context, actorID int64) (*service.AdminPanel, error)
	PendingDeposits(ctx context.Context, actorID int64) ([]models.Deposit, error)
}

type DepositService interface {
	StartDeposit(ctx context.Context, accountID int64) (*service.DepositInstructions, error)
	SubmitAmount(ctx context.Context, accountID int64, text string) (decimal.Decimal, error)
	SubmitEvidence(ctx context.Context, accountID int64, evidenceRef string) (*models.Deposit, error)
	Approve(ctx context.Context, actorID, depositID int64) (*service.ApprovalResult, error)
	Reject(ctx context.Context, actorID, depositID int64) (*models.Deposit, error)
}

type OrderService interface {
	StartOrder(ctx context.Context, accountID int64) (*service.OrderView, error)
	ChooseCategory(ctx context.Context, accountID int64, category string) (*service.OrderView, error)
	ChooseService(ctx context.Context, accountID, serviceID int64) (*service.OrderView, error)
	EnterText(ctx context.Context, accountID int64, text string) (*service.OrderView, error)
	Back(ctx context.Context, accountID int64) (*service.OrderView, error)
	Cancel(ctx context.Context, accountID int64) error
	Confirm(ctx context.Context, accountID int64) (*service.Placement, error)
	StartTrack(ctx context.Context, accountID int64) error
	TrackOrder(ctx context.Context, accountID int64, text string) (*service.TrackResult, error)
}

type BonusService interface {
	Claim(ctx context.Context, accountID int64) (decimal.Decimal, error)
	Status(ctx context.Context, accountID int64) (*service.BonusStatus, error)
}

type Handler struct {
	AccountService AccountService
	DepositService DepositService
	OrderService   OrderService
	BonusService   BonusService
	Logger         *zap.Logger
}

func NewHandler(accounts AccountService, deposits DepositService, orders OrderService, bonus BonusService, logger *zap.Logger) *Handler {
	return &Handler{
		AccountService: accounts,
		DepositService: deposits,
		OrderService:   orders,
		BonusService:   bonus,
		Logger:         logger,
	}
}

type textRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
	View  any    `json:"view,omitempty"`
}

type tooSoonResponse struct {
	Status           string `json:"status"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

func (h *Handler) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req struct {
			Username   string `json:"username"`
			ReferrerID *int64 `json:"referrer_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		acc, created, err := h.AccountService.Register(r.Context(), id, req.Username, req.ReferrerID)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, acc)
	}
}

func (h *Handler) InfoHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		return h.AccountService.Info(ctx, id)
	})
}

func (h *Handler) ReferralHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		return h.AccountService.Referral(ctx, id)
	})
}

func (h *Handler) OrderHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		orders, err := h.AccountService.OrderHistory(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		if len(orders) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, orders)
	}
}

func (h *Handler) BonusStatusHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		return h.BonusService.Status(ctx, id)
	})
}

func (h *Handler) ClaimBonusHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		balance, err := h.BonusService.Claim(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]decimal.Decimal{"balance": balance}, nil
	})
}

func (h *Handler) StartDepositHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		return h.DepositService.StartDeposit(ctx, id)
	})
}

func (h *Handler) DepositAmountHandler() http.HandlerFunc {
	return h.accountText(func(ctx context.Context, id int64, text string) (any, error) {
		amount, err := h.DepositService.SubmitAmount(ctx, id, text)
		if err != nil {
			return nil, err
		}
		return map[string]decimal.Decimal{"amount": amount}, nil
	})
}

func (h *Handler) DepositEvidenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req struct {
			EvidenceRef string `json:"evidence_ref"`
		}
		if !decode(w, r, &req) {
			return
		}
		dep, err := h.DepositService.SubmitEvidence(r.Context(), id, req.EvidenceRef)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, dep)
	}
}

func (h *Handler) StartOrderHandler() http.HandlerFunc {
	return h.accountQuery(func(ctx context.Context, id int64) (any, error) {
		return h.OrderService.StartOrder(ctx, id)
	})
}

func (h *Handler) ChooseCategoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req struct {
			Category string `json:"category"`
		}
		if !decode(w, r, &req) {
			return
		}
		view, err := h.OrderService.ChooseCategory(r.Context(), id, req.Category)
		h.writeView(w, r, view, err)
	}
}

func (h *Handler) ChooseServiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req struct {
			ServiceID int64 `json:"service_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		view, err := h.OrderService.ChooseService(r.Context(), id, req.ServiceID)
		h.writeView(w, r, view, err)
	}
}

func (h *Handler) OrderTextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req textRequest
		if !decode(w, r, &req) {
			return
		}
		view, err := h.OrderService.EnterText(r.Context(), id, req.Text)
		h.writeView(w, r, view, err)
	}
}

func (h *Handler) OrderBackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		view, err := h.OrderService.Back(r.Context(), id)
		h.writeView(w, r, view, err)
	}
}

func (h *Handler) OrderCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := h.OrderService.Cancel(r.Context(), id); err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "cancelled"})
	}
}

func (h *Handler) OrderConfirmHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		placement, err := h.OrderService.Confirm(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, placement)
	}
}

func (h *Handler) StartTrackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		if err := h.OrderService.StartTrack(r.Context(), id); err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "awaiting_order_id"})
	}
}

func (h *Handler) TrackTextHandler() http.HandlerFunc {
	return h.accountText(func(ctx context.Context, id int64, text string) (any, error) {
		return h.OrderService.TrackOrder(ctx, id, text)
	})
}

type decisionRequest struct {
	ActorID int64 `json:"actor_id"`
}

func (h *Handler) ApproveDepositHandler() http.HandlerFunc {
	return h.decision(func(ctx context.Context, actorID, depositID int64) (any, error) {
		return h.DepositService.Approve(ctx, actorID, depositID)
	})
}

func (h *Handler) RejectDepositHandler() http.HandlerFunc {
	return h.decision(func(ctx context.Context, actorID, depositID int64) (any, error) {
		return h.DepositService.Reject(ctx, actorID, depositID)
	})
}

// CallbackHandler accepts the raw inline button payload from the review prompt.
func (h *Handler) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ActorID int64  `json:"actor_id"`
			Data    string `json:"data"`
		}
		if !decode(w, r, &req) {
			return
		}
		var (
			result any
			err    error
		)
		if rest, ok := strings.CutPrefix(req.Data, notify.ApproveDepositPrefix); ok {
			var depositID int64
			if depositID, err = strconv.ParseInt(rest, 10, 64); err == nil {
				result, err = h.DepositService.Approve(r.Context(), req.ActorID, depositID)
			}
		} else if rest, ok := strings.CutPrefix(req.Data, notify.RejectDepositPrefix); ok {
			var depositID int64
			if depositID, err = strconv.ParseInt(rest, 10, 64); err == nil {
				result, err = h.DepositService.Reject(r.Context(), req.ActorID, depositID)
			}
		} else {
			http.Error(w, "unknown callback", http.StatusBadRequest)
			return
		}
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			http.Error(w, "invalid deposit id", http.StatusBadRequest)
			return
		}
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) AdminStatsHandler() http.HandlerFunc {
	return h.adminQuery(func(ctx context.Context, actorID int64) (any, error) {
		return h.AccountService.AdminStats(ctx, actorID)
	})
}

func (h *Handler) PendingDepositsHandler() http.HandlerFunc {
	return h.adminQuery(func(ctx context.Context, actorID int64) (any, error) {
		return h.AccountService.PendingDeposits(ctx, actorID)
	})
}

func (h *Handler) accountQuery(fn func(ctx context.Context, id int64) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		resp, err := fn(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) accountText(fn func(ctx context.Context, id int64, text string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountID(w, r)
		if !ok {
			return
		}
		var req textRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), id, req.Text)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) decision(fn func(ctx context.Context, actorID, depositID int64) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depositID, err := strconv.ParseInt(chi.URLParam(r, "depositID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid deposit id", http.StatusBadRequest)
			return
		}
		var req decisionRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := fn(r.Context(), req.ActorID, depositID)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) adminQuery(fn func(ctx context.Context, actorID int64) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, err := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid actor_id", http.StatusBadRequest)
			return
		}
		resp, err := fn(r.Context(), actorID)
		if err != nil {
			h.writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeView answers a conversation step. A rejected input comes back with the
// view of the stage the conversation stayed in so the adapter can re-prompt.
func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, view *service.OrderView, err error) {
	if err != nil {
		var v any
		if view != nil {
			v = view
		}
		h.writeError(w, r, err, v)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, view any) {
	var (
		tooSoon     *service.TooSoonError
		providerErr *service.ProviderError
	)
	switch {
	case errors.Is(err, service.ErrAlreadyProcessed):
		writeJSON(w, http.StatusOK, statusResponse{Status: "already_processed"})
	case errors.Is(err, service.ErrNoSession):
		writeJSON(w, http.StatusOK, statusResponse{Status: "no_session"})
	case errors.As(err, &tooSoon):
		writeJSON(w, http.StatusOK, tooSoonResponse{
			Status:           "too_soon",
			RemainingSeconds: int64(tooSoon.Remaining.Seconds()),
		})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrBonusDisabled):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotANumber),
		errors.Is(err, service.ErrOutOfRange),
		errors.Is(err, service.ErrEmptyLink),
		errors.Is(err, service.ErrNoCharge),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrEvidenceRequired),
		errors.Is(err, service.ErrOutOfStage),
		errors.Is(err, orderflow.ErrUnknownCategory),
		errors.Is(err, orderflow.ErrUnknownService):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), View: view})
	case errors.As(err, &providerErr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: providerErr.Reason})
	case errors.Is(err, service.ErrProviderUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "provider unavailable, try again later"})
	default:
		subject, _ := GetSubjectFromContext(r.Context())
		h.Logger.Error("request failed",
			zap.String("caller", subject),
			zap.String("method", r.Method),
			zap.String("url", r.URL.Path),
			zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func SetupRouters(h *Handler, issuer *auth.Issuer, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(logger, m))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(issuer))
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Post("/register", h.RegisterHandler())
			r.Get("/", h.InfoHandler())
			r.Get("/referral", h.ReferralHandler())
			r.Get("/orders", h.OrderHistoryHandler())
			r.Get("/bonus", h.BonusStatusHandler())
			r.Post("/bonus", h.ClaimBonusHandler())
			r.Post("/deposit", h.StartDepositHandler())
			r.Post("/deposit/amount", h.DepositAmountHandler())
			r.Post("/deposit/evidence", h.DepositEvidenceHandler())
			r.Post("/order", h.StartOrderHandler())
			r.Post("/order/category", h.ChooseCategoryHandler())
			r.Post("/order/service", h.ChooseServiceHandler())
			r.Post("/order/text", h.OrderTextHandler())
			r.Post("/order/back", h.OrderBackHandler())
			r.Post("/order/cancel", h.OrderCancelHandler())
			r.Post("/order/confirm", h.OrderConfirmHandler())
			r.Post("/track", h.StartTrackHandler())
			r.Post("/track/text", h.TrackTextHandler())
		})
		r.Route("/admin", func(r chi.Router) {
			r.Post("/deposits/{depositID}/approve", h.ApproveDepositHandler())
			r.Post("/deposits/{depositID}/reject", h.RejectDepositHandler())
			r.Post("/callback", h.CallbackHandler())
			r.Get("/stats", h.AdminStatsHandler())
			r.Get("/deposits/pending", h.PendingDepositsHandler())
		})
	})
	return r
}
