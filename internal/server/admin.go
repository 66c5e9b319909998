package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

type listEntryRequest struct {
	Key        string `json:"key"`
	Reason     string `json:"reason"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type tierRequest struct {
	Tier string `json:"tier"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) adminRoutes() {
	h := func(pattern string, fn http.HandlerFunc) {
		s.mux.Handle(pattern, s.requireAdmin(fn))
	}

	h("GET /admin/snapshot", s.handleSnapshot)

	h("GET /admin/limiters/status", s.handleLimiterStatus)
	h("POST /admin/limiters/{key}/reset", s.handleLimiterReset)

	h("GET /admin/tiers", s.handleTiers)
	h("PUT /admin/tiers/{identity}", s.handleTierUpdate)
	h("DELETE /admin/tiers/{identity}", s.handleTierClear)

	h("GET /admin/blacklist", s.listHandler(access.Blacklist))
	h("POST /admin/blacklist", s.addHandler(access.Blacklist))
	h("DELETE /admin/blacklist/{key}", s.removeHandler(access.Blacklist))
	h("GET /admin/whitelist", s.listHandler(access.Whitelist))
	h("POST /admin/whitelist", s.addHandler(access.Whitelist))
	h("DELETE /admin/whitelist/{key}", s.removeHandler(access.Whitelist))

	h("GET /admin/breakers", s.handleBreakers)
	h("GET /admin/breakers/{name}", s.handleBreaker)
	h("POST /admin/breakers/{name}/reset", s.handleBreakerReset)

	h("GET /admin/behavior/{key}", s.handleBehavior)
	h("/admin/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown admin route"})
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	token := s.opts.AdminToken
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stack.Aggregator.Snapshot(r.Context()))
}

func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := tier.Identity{Key: q.Get("key"), Role: q.Get("role")}
	if id.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "key is required"})
		return
	}
	d, err := s.stack.Aggregator.LimiterStatus(r.Context(), q.Get("scope"), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLimiterReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.stack.Aggregator.ResetLimiter(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("limiter reset", zap.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTiers(w http.ResponseWriter, r *http.Request) {
	type tierView struct {
		Name        string `json:"name"`
		Capacity    int    `json:"capacity"`
		WindowSecs  int    `json:"window_seconds"`
		Description string `json:"description,omitempty"`
	}
	var tiers []tierView
	for _, t := range s.stack.Aggregator.Tiers() {
		tiers = append(tiers, tierView{
			Name:        t.Name,
			Capacity:    t.Capacity,
			WindowSecs:  int(t.Window / time.Second),
			Description: t.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tiers":     tiers,
		"overrides": s.stack.Aggregator.TierOverrides(),
	})
}

func (s *Server) handleTierUpdate(w http.ResponseWriter, r *http.Request) {
	var req tierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tier == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be {\"tier\": \"<name>\"}"})
		return
	}
	identity := r.PathValue("identity")
	if err := s.stack.Aggregator.UpdateTier(identity, req.Tier); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("tier override set", zap.String("identity", identity), zap.String("tier", req.Tier))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTierClear(w http.ResponseWriter, r *http.Request) {
	if err := s.stack.Aggregator.UpdateTier(r.PathValue("identity"), ""); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listHandler(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			entries []storage.Entry
			err     error
		)
		if list == access.Blacklist {
			entries, err = s.stack.Aggregator.Blacklist(r.Context())
		} else {
			entries, err = s.stack.Aggregator.Whitelist(r.Context())
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) addHandler(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req listEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
			return
		}
		req.Key = strings.TrimSpace(req.Key)
		if req.Key == "" || req.TTLSeconds < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "key is required and ttl_seconds must not be negative"})
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second

		var (
			e   storage.Entry
			err error
		)
		if list == access.Blacklist {
			e, err = s.stack.Aggregator.AddBlacklist(r.Context(), req.Key, req.Reason, ttl)
		} else {
			e, err = s.stack.Aggregator.AddWhitelist(r.Context(), req.Key, req.Reason, ttl)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func (s *Server) removeHandler(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		var (
			removed bool
			err     error
		)
		if list == access.Blacklist {
			removed, err = s.stack.Aggregator.RemoveBlacklist(r.Context(), key)
		} else {
			removed, err = s.stack.Aggregator.RemoveWhitelist(r.Context(), key)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !removed {
			writeJSON(w, http.StatusNotFound, errorBody{Error: key + " is not on the " + list})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stack.Breakers.Snapshot())
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stack.Aggregator.Breaker(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.stack.Aggregator.ResetBreaker(name); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("breaker reset", zap.String("breaker", name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBehavior(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.stack.Aggregator.BehaviorRecord(r.PathValue("key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no behavior record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, breaker.ErrUnknownBreaker):
		status = http.StatusNotFound
	case errors.Is(err, tier.ErrUnknownTier):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
