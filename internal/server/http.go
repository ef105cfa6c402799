package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"DerivLedger/internal/core"
	"DerivLedger/internal/event"
	"DerivLedger/internal/ingestion"
	"DerivLedger/internal/observability"
	"DerivLedger/internal/projection"
	"DerivLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

// Deps are the services behind the HTTP and gRPC surfaces. Query and History
// may be nil; their routes then answer 503.
type Deps struct {
	Registry *core.Registry
	Admin    *ingestion.AdminService
	Query    *query.QueryService
	History  *projection.NoticeHistory
	Hub      *WSHub
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

type api struct {
	Deps
}

// NewRouter builds the HTTP API.
func NewRouter(deps Deps) http.Handler {
	a := &api{Deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Hub != nil {
			r.Get("/ws", deps.Hub.HandleWS)
		}

		r.Get("/contracts", a.listContracts)
		r.Route("/contracts/{contractID}", func(r chi.Router) {
			r.Get("/", a.getStorage)
			r.Get("/calc", a.getCalc)
			r.Get("/required-margin", a.getRequiredMargin)
			r.Get("/can-settle", a.getCanSettle)
			r.Post("/calls/{op}", a.submitCall)
			r.Get("/notices", a.listNotices)
			r.Get("/notices/history", a.noticeHistory)
			r.Get("/nav-history", a.navHistory)
			r.Get("/journal", a.journal)
			r.Get("/balances", a.balances)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/contracts/{contractID}/integrity", a.integrity)
			r.Post("/prices/{product}", a.publishPrice)
			r.Post("/oracle/{product}", a.resolvePrice)
			r.Get("/oracle/{product}/pending", a.pendingRequests)
		})
	})
	return r
}

// accessLog logs each request and records the HTTP metrics under the route
// pattern, not the raw path.
func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if a.Metrics != nil {
			a.Metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			a.Metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		a.Logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (a *api) actor(w http.ResponseWriter, r *http.Request) (*core.Actor, bool) {
	act, err := a.Registry.Get(chi.URLParam(r, "contractID"))
	if err != nil {
		a.writeErr(w, err)
		return nil, false
	}
	return act, true
}

func (a *api) listContracts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"contracts": a.Registry.IDs()})
}

func (a *api) getStorage(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	s, err := act.Storage(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) getCalc(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	b, err := act.CalcAll(r.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *api) getRequiredMargin(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	v, err := act.Calc(r.Context(), func(_ context.Context, c *core.DeterministicCore) (decimal.Decimal, error) {
		return c.GetCurrentRequiredMargin(), nil
	})
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"required_margin": v})
}

func (a *api) getCanSettle(w http.ResponseWriter, r *http.Request) {
	act, ok := a.actor(w, r)
	if !ok {
		return
	}
	var (
		can  bool
		cerr error
	)
	err := act.Do(r.Context(), func(ctx context.Context, c *core.DeterministicCore) { can, cerr = c.CanBeSettled(ctx) })
	if err == nil {
		err = cerr
	}
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_be_settled": can})
}

func (a *api) submitCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	contractID := chi.URLParam(r, "contractID")
	op := chi.URLParam(r, "op")

	res, err := a.Admin.InjectCall(r.Context(), contractID, op, body)
	if a.Metrics != nil && err == nil {
		if ct, cerr := ingestion.CallTypeForOp(op); cerr == nil {
			a.Metrics.IngestReceived.WithLabelValues("http", ct.String()).Inc()
		}
	}
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubmitResponse(res))
}

func (a *api) listNotices(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		writeError(w, "notice history not enabled", http.StatusServiceUnavailable)
		return
	}
	var party common.Address
	if p := r.URL.Query().Get("party"); p != "" {
		if !common.IsHexAddress(p) {
			writeError(w, "party must be an address", http.StatusBadRequest)
			return
		}
		party = common.HexToAddress(p)
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	notices := a.History.Query(chi.URLParam(r, "contractID"), party, limit)
	writeJSON(w, http.StatusOK, map[string][]event.Notice{"notices": notices})
}

// noticeHistory pages the projected notice table, which outlives the
// in-memory ring.
func (a *api) noticeHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireQuery(w) {
		return
	}
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var kind *string
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = &k
	}
	notices, err := a.Query.GetNotices(r.Context(), chi.URLParam(r, "contractID"), kind, limit, before)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]query.NoticeRecord{"notices": notices})
}

func (a *api) navHistory(w http.ResponseWriter, r *http.Request) {
	if !a.requireQuery(w) {
		return
	}
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	points, err := a.Query.GetNavHistory(r.Context(), chi.URLParam(r, "contractID"), limit, before)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]query.NavPoint{"points": points})
}

func (a *api) journal(w http.ResponseWriter, r *http.Request) {
	if !a.requireQuery(w) {
		return
	}
	limit, before, err := pageParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var account *string
	if acc := r.URL.Query().Get("account"); acc != "" {
		account = &acc
	}
	entries, err := a.Query.GetJournalHistory(r.Context(), chi.URLParam(r, "contractID"), account, limit, before)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]query.JournalHistoryEntry{"entries": entries})
}

func (a *api) balances(w http.ResponseWriter, r *http.Request) {
	if !a.requireQuery(w) {
		return
	}
	b, err := a.Query.LedgerBalances(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]decimal.Decimal{"balances": b})
}

func (a *api) integrity(w http.ResponseWriter, r *http.Request) {
	if !a.requireQuery(w) {
		return
	}
	report, err := a.Query.VerifyIntegrity(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PriceRequest is the body of the admin price endpoints.
type PriceRequest struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
}

func decodePrice(r *http.Request) (PriceRequest, error) {
	var req PriceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	if req.Time.IsZero() {
		return req, errors.New("time is required")
	}
	return req, nil
}

func (a *api) publishPrice(w http.ResponseWriter, r *http.Request) {
	req, err := decodePrice(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Admin.PublishPrice(r.Context(), chi.URLParam(r, "product"), req.Time, req.Price); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) resolvePrice(w http.ResponseWriter, r *http.Request) {
	req, err := decodePrice(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.Admin.ResolvePrice(r.Context(), chi.URLParam(r, "product"), req.Time, req.Price); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) pendingRequests(w http.ResponseWriter, r *http.Request) {
	times, err := a.Admin.PendingRequests(r.Context(), chi.URLParam(r, "product"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]time.Time{"pending": times})
}

func (a *api) requireQuery(w http.ResponseWriter) bool {
	if a.Query == nil {
		writeError(w, "history queries need Postgres", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (a *api) writeErr(w http.ResponseWriter, err error) {
	status, _ := classify(err)
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("limit must be between 1 and 1000")
	}
	return n, nil
}

func pageParams(r *http.Request) (int, *int64, error) {
	limit, err := limitParam(r)
	if err != nil {
		return 0, nil, err
	}
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return limit, nil, nil
	}
	before, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("before must be a sequence number")
	}
	return limit, &before, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
