package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voebot/internal/message"
	"voebot/internal/queue"
	"voebot/internal/schedule"
	"voebot/internal/voe"
	logx "voebot/pkg/logx"
)

// ScheduleLookup returns the stored or live schedule of an address.
type ScheduleLookup interface {
	Lookup(ctx context.Context, key schedule.Key) (schedule.Record, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Store     Pinger
	Queues    []queue.Queue
	Schedules ScheduleLookup
	Gatherer  prometheus.Gatherer
	Logger    logx.Logger
	Now       func() time.Time
}

type handlers struct {
	d   Deps
	log logx.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg Config, d Deps) http.Handler {
	cfg = cfg.normalized()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	h := &handlers{d: d, log: d.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
			}),
		))
		r.Get("/calendar", h.calendar)
	})

	if cfg.Pprof {
		if isLoopbackAddr(cfg.Addr) {
			r.Mount("/debug", middleware.Profiler())
		} else {
			h.log.Warn("pprof disabled: non-loopback http addr", logx.String("addr", cfg.Addr))
		}
	}

	return otelhttp.NewHandler(r, "voebot.api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method + " " + r.URL.Path }),
	)
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Storage string                 `json:"storage"`
	Queues  map[string]queue.Depth `json:"queues,omitempty"`
	Errors  map[string]string      `json:"errors,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Storage: "ok", Queues: map[string]queue.Depth{}}
	code := http.StatusOK
	if h.d.Store != nil {
		if err := h.d.Store.Ping(ctx); err != nil {
			resp.Status, resp.Storage = "unavailable", err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	for _, q := range h.d.Queues {
		d, err := q.Depth(ctx)
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = map[string]string{}
			}
			resp.Errors[q.Name()] = err.Error()
			if code == http.StatusOK {
				resp.Status = "degraded"
			}
			continue
		}
		resp.Queues[q.Name()] = d
	}
	writeJSON(w, code, resp)
}

func keyFromQuery(r *http.Request) (schedule.Key, error) {
	q := r.URL.Query()
	if args := q.Get("args"); args != "" {
		return schedule.ParseKey(args)
	}
	return schedule.NewKey(q.Get("cityId"), q.Get("streetId"), q.Get("houseId"))
}

func (h *handlers) calendar(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.d.Schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules unavailable")
		return
	}
	rec, err := h.d.Schedules.Lookup(r.Context(), key)
	if err != nil {
		code := statusFor(err)
		h.log.Warn("calendar lookup failed", logx.String("args", key.String()), logx.Int("status", code), logx.Err(err))
		writeError(w, code, http.StatusText(code))
		return
	}

	if asJSON, _ := strconv.ParseBool(r.URL.Query().Get("json")); asJSON {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="disconnections.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, message.Calendar(rec.Intervals, h.d.Now()))
}

func statusFor(err error) int {
	var fe *voe.FetchError
	var pe *voe.ParseError
	switch {
	case errors.Is(err, schedule.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.As(err, &fe), errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
