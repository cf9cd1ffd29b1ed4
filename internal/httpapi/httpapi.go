// Package httpapi 提供 questd 的唯讀 HTTP 介面：健康檢查、Prometheus 指標，
// 以及任務、追蹤、雷達與統計查詢。寫入操作一律走 gRPC。
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/internal/integrity"
	"github.com/ChuLiYu/quest-radar/internal/questbook"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/internal/tracker"
	"github.com/ChuLiYu/quest-radar/pkg/types"
)

var log = slog.Default()

// Reader HTTP 介面需要的引擎查詢（*dispatch.Engine 滿足此介面）
type Reader interface {
	Quest(id types.QuestID) (types.Quest, error)
	Quests(state types.QuestState) []types.Quest
	Tracking(id types.QuestID) (types.OnTheWaySession, error)
	MovementSummary(id types.QuestID) (types.MovementSummary, error)
	VisibleQuests(ctx context.Context, actorID string, loc types.Location) []radar.VisibleQuest
	ActorStats(actorID string) types.ActorStats
	Stats() dispatch.Stats
	Uptime() time.Duration
}

// Config HTTP handler 設定
type Config struct {
	Engine   Reader
	Gatherer prometheus.Gatherer // nil 時不提供 /metrics
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// New 建立 HTTP handler
func New(cfg Config) http.Handler {
	h := &handler{engine: cfg.Engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", h.health)
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.stats)
		r.Get("/radar", h.radarView)
		r.Get("/actors/{actorID}/stats", h.actorStats)
		r.Route("/quests", func(r chi.Router) {
			r.Get("/", h.listQuests)
			r.Get("/{questID}", h.getQuest)
			r.Get("/{questID}/tracking", h.tracking)
			r.Get("/{questID}/summary", h.summary)
		})
	})
	return r
}

type handler struct {
	engine Reader
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": h.engine.Uptime().Seconds(),
	})
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *handler) listQuests(w http.ResponseWriter, r *http.Request) {
	state := types.QuestState(r.URL.Query().Get("state"))
	if state == "" {
		state = types.QuestBroadcasting
	}
	if !knownState(state) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown quest state: "+string(state))
		return
	}
	quests := h.engine.Quests(state)
	if quests == nil {
		quests = []types.Quest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quests": quests})
}

func (h *handler) getQuest(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.Quest(types.QuestID(chi.URLParam(r, "questID")))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) tracking(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.Tracking(types.QuestID(chi.URLParam(r, "questID")))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.MovementSummary(types.QuestID(chi.URLParam(r, "questID")))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) radarView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actorID := q.Get("actor_id")
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "actor_id is required")
		return
	}
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	loc := types.Location{Lat: lat, Lon: lon}
	if errLat != nil || errLon != nil || !loc.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "lat and lon must be valid coordinates")
		return
	}
	visible := h.engine.VisibleQuests(r.Context(), actorID, loc)
	if visible == nil {
		visible = []radar.VisibleQuest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quests": visible})
}

func (h *handler) actorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.ActorStats(chi.URLParam(r, "actorID")))
}

func knownState(s types.QuestState) bool {
	switch s {
	case types.QuestBroadcasting, types.QuestClaimed, types.QuestInProgress,
		types.QuestCompleted, types.QuestExpired, types.QuestCancelled:
		return true
	}
	return false
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, questbook.ErrQuestNotFound),
		errors.Is(err, tracker.ErrSessionNotFound),
		errors.Is(err, integrity.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		log.Error("HTTP request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

// requestLogger 以 slog 記錄每個請求
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Serve 在 addr 上提供 handler，ctx 結束時優雅關閉
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
