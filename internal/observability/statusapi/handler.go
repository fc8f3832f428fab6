package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"antigravity/internal/batch"
	logx "antigravity/pkg/logx"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TriggerRequest is the POST /trigger body. With Wait the response is the
// finished run; otherwise the run starts in the background and 202 is
// returned.
type TriggerRequest struct {
	Count     int      `json:"count,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	Niche     string   `json:"niche,omitempty"`
	Wait      bool     `json:"wait,omitempty"`
}

// NewHandler builds the router. bg is the context background triggers run
// under.
func NewHandler(bg context.Context, cfg Config, b Backend, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Token))

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			rep, err := b.Report(req.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "status_unavailable", err.Error())
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})

		r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
			limit := 20
			if v := req.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 || n > 1000 {
					writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer in [1, 1000]")
					return
				}
				limit = n
			}
			runs, err := b.Runs(req.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "runs_unavailable", err.Error())
				return
			}
			if runs == nil {
				runs = []batch.Run{}
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Post("/trigger", func(w http.ResponseWriter, req *http.Request) {
			var tr TriggerRequest
			body, err := io.ReadAll(io.LimitReader(req.Body, 64<<10))
			if err == nil && len(strings.TrimSpace(string(body))) > 0 {
				err = json.Unmarshal(body, &tr)
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
				return
			}
			if tr.Count < 0 {
				writeError(w, http.StatusBadRequest, "bad_request", "count must not be negative")
				return
			}
			if b.Busy() {
				writeError(w, http.StatusConflict, "busy", ErrBusy.Error())
				return
			}
			breq := batch.Request{Trigger: batch.TriggerAPI, Count: tr.Count, Platforms: tr.Platforms, Niche: tr.Niche}
			log.Info("manual trigger received", logx.Int("count", tr.Count), logx.Strings("platforms", tr.Platforms), logx.Bool("wait", tr.Wait))
			// the run belongs to bg; a client hanging up only stops the wait
			done := b.Trigger(bg, breq)
			if tr.Wait {
				select {
				case run := <-done:
					writeJSON(w, http.StatusOK, run)
				case <-req.Context().Done():
					log.Warn("trigger client left before the run finished", logx.Err(req.Context().Err()))
				}
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})

		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/", hpprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
			r.Handle("/debug/pprof/{profile}", http.HandlerFunc(hpprof.Index))
		}
	})
	return r
}

// authMiddleware accepts "Authorization: Bearer <token>" or ?token=.
// An empty token disables auth.
func authMiddleware(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}
