package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pollkit/internal/config"
	"pollkit/internal/poll"
	"pollkit/internal/probe"
	"pollkit/internal/storage"
	logx "pollkit/pkg/logx"
)

const (
	defaultTickLimit = 20
	maxTickLimit     = 500
)

// Handler returns the admin API router.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.Middleware)
	}
	r.Use(a.requestLog)

	r.Get("/health", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/polls", func(r chi.Router) {
		r.Get("/", a.handleListPolls)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", a.handleGetPoll)
			r.Get("/ticks", a.handleTicks)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/start", a.pollAction(func(p *poll.Poll[probe.Result]) { p.Start() }))
			r.Post("/stop", a.pollAction(func(p *poll.Poll[probe.Result]) { p.Stop() }))
		})
	})

	r.Get("/standby", a.handleGetStandby)
	r.Put("/standby", a.handleSetStandby(true))
	r.Delete("/standby", a.handleSetStandby(false))

	r.Post("/config/reload", a.handleReload)

	if a.pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (a *App) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("admin request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"polls":   a.polls.Len(),
		"hidden":  a.standby.Hidden(),
		"storage": a.store != nil,
	}
	if a.bus != nil {
		body["bus_dropped"] = a.bus.Dropped()
	}
	if a.sup != nil {
		body["goroutines"] = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	if a.sched != nil {
		body["triggers"] = a.sched.Triggers()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *App) handleListPolls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.polls.Snapshot())
}

func (a *App) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	v, ok := a.polls.View(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *App) pollAction(fn func(p *poll.Poll[probe.Result])) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		p, ok := a.polls.Get(name)
		if !ok {
			writeError(w, http.StatusNotFound, "poll not found")
			return
		}
		fn(p)
		v, _ := a.polls.View(name)
		writeJSON(w, http.StatusAccepted, v)
	}
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !a.polls.Refresh(name) {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	v, _ := a.polls.View(name)
	writeJSON(w, http.StatusAccepted, v)
}

func (a *App) handleTicks(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := a.polls.Get(name); !ok {
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, storage.ErrDisabled.Error())
		return
	}
	n := defaultTickLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxTickLimit)
	}
	recs, err := a.store.RecentTicks(r.Context(), name, n)
	if err != nil {
		a.log.Warn("tick journal read failed", logx.String("poll", name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.TickRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) handleGetStandby(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"hidden": a.standby.Hidden()})
}

func (a *App) handleSetStandby(hidden bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		a.SetHidden(hidden)
		writeJSON(w, http.StatusOK, map[string]bool{"hidden": hidden})
	}
}

func (a *App) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.cfgm == nil {
		writeError(w, http.StatusServiceUnavailable, "config manager unavailable")
		return
	}
	_, err := a.cfgm.Reload(r.Context())
	switch {
	case errors.Is(err, config.ErrUnchanged):
		writeJSON(w, http.StatusOK, map[string]string{"status": "unchanged"})
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
