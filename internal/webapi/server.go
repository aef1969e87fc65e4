package webapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sourpls22-ux/MiraVPN/internal/service"
	"github.com/sourpls22-ux/MiraVPN/internal/sweep"
	"github.com/sourpls22-ux/MiraVPN/internal/telegram"
)

const defaultTransactionsLimit = 10

type SweepRunner interface {
	RunOnce(ctx context.Context) (sweep.Result, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, text string) (telegram.BroadcastResult, error)
}

type Options struct {
	Addr           string
	AdminUsername  string
	AdminPassword  string
	AllowedOrigins []string
}

// Server is the JSON API behind the Telegram Web App plus a small admin group.
type Server struct {
	opts        Options
	log         *slog.Logger
	accounts    *service.AccountService
	tariffs     *service.TariffService
	sweeper     SweepRunner
	broadcaster Broadcaster
	router      *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, accounts *service.AccountService, tariffs *service.TariffService, sweeper SweepRunner, broadcaster Broadcaster, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	s := &Server{
		opts:        opts,
		log:         log,
		accounts:    accounts,
		tariffs:     tariffs,
		sweeper:     sweeper,
		broadcaster: broadcaster,
		router:      r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/tariffs", s.handleTariffs)
	r.Route("/api/user", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleConfig)
		r.Get("/transactions", s.handleTransactions)
		r.Post("/create", s.handleCreate)
		r.Post("/buy-extra", s.handleBuyExtra)
		r.Post("/free-mode", s.handleFreeMode)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.basicAuthMiddleware())
		r.Post("/broadcast", s.handleBroadcast)
		r.Post("/sweep", s.handleSweep)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http api listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

type telegramIDRequest struct {
	TelegramID int64 `json:"telegram_id"`
}

type statusResponse struct {
	Username      string     `json:"username"`
	Status        string     `json:"status"`
	UsedGB        float64    `json:"used_gb"`
	LimitGB       *float64   `json:"limit_gb"`
	ExpireDate    *time.Time `json:"expire_date"`
	FreeMode      bool       `json:"free_mode"`
	FreeModeUntil *time.Time `json:"free_mode_until,omitempty"`
	TariffType    string     `json:"tariff_type"`
	LastCheck     *time.Time `json:"last_check,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTariffs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tariffs.Catalog())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTelegramID(w, r)
	if !ok {
		return
	}
	st, err := s.accounts.Status(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	resp := statusResponse{
		Username:      st.Account.Username,
		Status:        string(st.Remote.Status),
		UsedGB:        round2(st.Remote.UsedGB()),
		ExpireDate:    st.Remote.ExpiresAt,
		FreeMode:      st.Account.FreeMode,
		FreeModeUntil: st.Account.FreeModeUntil,
		TariffType:    string(st.Account.Tariff),
		LastCheck:     st.Account.LastCheckedAt,
	}
	if limit := st.Remote.LimitGB(); limit != nil {
		v := round2(*limit)
		resp.LimitGB = &v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTelegramID(w, r)
	if !ok {
		return
	}
	cfg, err := s.accounts.Config(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"config": cfg})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.queryTelegramID(w, r)
	if !ok {
		return
	}
	limit := defaultTransactionsLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 100 {
			s.errorJSON(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = v
	}
	txs, err := s.accounts.Transactions(r.Context(), id, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bodyTelegramID(w, r)
	if !ok {
		return
	}
	res, err := s.accounts.Provision(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"username":    res.Account.Username,
		"config":      res.Config,
		"limit_gb":    res.LimitGB,
		"expire_days": res.ExpireDays,
	})
}

func (s *Server) handleBuyExtra(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bodyTelegramID(w, r)
	if !ok {
		return
	}
	res, err := s.accounts.BuyExtra(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	var newLimit *float64
	if limit := res.Remote.LimitGB(); limit != nil {
		v := round2(*limit)
		newLimit = &v
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"new_limit_gb": newLimit,
		"transaction":  res.Transaction,
	})
}

func (s *Server) handleFreeMode(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bodyTelegramID(w, r)
	if !ok {
		return
	}
	res, err := s.accounts.EnableFreeMode(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"config":      res.Config,
		"expire_date": res.Until,
	})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorJSON(w, http.StatusBadRequest, "message required")
		return
	}
	res, err := s.broadcaster.Broadcast(r.Context(), req.Message)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		s.log.Error("manual sweep", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) queryTelegramID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseTelegramID(r.URL.Query().Get("telegram_id"))
	if err != nil {
		s.errorJSON(w, http.StatusBadRequest, "telegram_id is required")
		return 0, false
	}
	return id, true
}

func (s *Server) bodyTelegramID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req telegramIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorJSON(w, http.StatusBadRequest, "invalid json")
		return 0, false
	}
	if req.TelegramID <= 0 {
		s.errorJSON(w, http.StatusBadRequest, "telegram_id is required")
		return 0, false
	}
	return req.TelegramID, true
}

func parseTelegramID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("telegram id must be positive")
	}
	return id, nil
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrAccountExists):
		s.errorJSON(w, http.StatusBadRequest, "У вас уже есть VPN ключ")
	case errors.Is(err, service.ErrAccountNotFound):
		s.errorJSON(w, http.StatusNotFound, "Пользователь не найден")
	case errors.Is(err, service.ErrRemoteAccountNotFound):
		s.errorJSON(w, http.StatusNotFound, "Пользователь не найден на сервере VPN")
	case errors.Is(err, service.ErrPanelUnavailable):
		s.log.Error("panel request failed", "err", err)
		s.errorJSON(w, http.StatusBadGateway, "Сервер VPN временно недоступен")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.opts.AdminUsername == "" ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.opts.AdminUsername)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.opts.AdminPassword)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="miravpn"`)
				s.errorJSON(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) errorJSON(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("http handler error", "err", err)
	s.errorJSON(w, http.StatusInternalServerError, "internal error")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
