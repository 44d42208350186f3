package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"digestbot/internal/dispatch"
	logx "digestbot/pkg/logx"
)

const maxRunsLimit = 200

type errorBody struct {
	Error string `json:"error"`
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	trigger := "http"
	if t := strings.TrimSpace(r.URL.Query().Get("trigger")); t != "" {
		trigger = "http:" + t
	}
	sum, err := s.deps.Runner.Run(r.Context(), trigger)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sum)
	case errors.Is(err, dispatch.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrStorageUnavailable):
		s.log.Warn("manual run failed", logx.Err(err))
		// A run that got as far as an ID still carries its partial summary.
		if sum.RunID != "" {
			writeJSON(w, http.StatusServiceUnavailable, sum)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("manual run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Warn("list runs failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	diags, err := s.deps.Runner.Diagnose(r.Context())
	if err != nil {
		s.log.Warn("diagnostics failed", logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, diags)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func mountPprof(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
