package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/envhelper/envhelper/common/version"
	"github.com/envhelper/envhelper/internal/envhelper/environment"
	"github.com/envhelper/envhelper/internal/envhelper/fault"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	Commit           string    `json:"commit"`
	BuildTime        string    `json:"build_time"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSecs       float64   `json:"uptime_seconds"`
	EnvironmentCount int       `json:"environment_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count := 0
	if s.opts.Status != nil {
		if n, err := s.opts.Status.Count(r.Context()); err == nil {
			count = n
		}
	}
	respondJSON(w, http.StatusOK, statusResponse{
		Status:           "ok",
		Version:          version.Version,
		Commit:           version.GitCommit,
		BuildTime:        version.BuildTime,
		StartedAt:        s.startedAt,
		UptimeSecs:       time.Since(s.startedAt).Seconds(),
		EnvironmentCount: count,
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Validation("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var req DeclarationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	d, err := req.Declaration()
	if err != nil {
		respondError(w, r, err)
		return
	}
	env, err := s.ctl.Declare(r.Context(), d)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, NewEnvironmentResponse(env))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := environment.Filter{
		Owner:   q.Get("owner"),
		Type:    environment.Type(q.Get("type")),
		Desired: environment.DesiredState(q.Get("desired")),
	}
	if f.Type != "" && !f.Type.Valid() {
		respondError(w, r, fault.Validation("unknown type %q", f.Type))
		return
	}
	if f.Desired != "" && !f.Desired.Valid() {
		respondError(w, r, fault.Validation("unknown desired state %q", f.Desired))
		return
	}
	if v := q.Get("auto_start"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, fault.Validation("auto_start must be a boolean"))
			return
		}
		f.AutoStart = &b
	}

	envs, err := s.ctl.List(r.Context(), f)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]EnvironmentResponse, 0, len(envs))
	for _, e := range envs {
		out = append(out, NewEnvironmentResponse(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{"environments": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	env, err := s.ctl.Get(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, NewEnvironmentResponse(env))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req DeclarationRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	d, err := req.Declaration()
	if err != nil {
		respondError(w, r, err)
		return
	}
	env, err := s.ctl.Update(r.Context(), chi.URLParam(r, "envID"), d)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, NewEnvironmentResponse(env))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.respondTransition(w, r, func(ctx context.Context, id string) (*environment.Environment, error) {
		return s.ctl.Transition(ctx, id, environment.DesiredAbsent)
	})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	s.respondTransition(w, r, func(ctx context.Context, id string) (*environment.Environment, error) {
		return s.ctl.Transition(ctx, id, req.Desired)
	})
}

func (s *Server) handleTarget(target environment.DesiredState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respondTransition(w, r, func(ctx context.Context, id string) (*environment.Environment, error) {
			return s.ctl.Transition(ctx, id, target)
		})
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.respondTransition(w, r, s.ctl.Restart)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.respondTransition(w, r, s.ctl.Reconcile)
}

// respondTransition runs op for the environment in the URL. A failed
// transition still reports the record as persisted.
func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*environment.Environment, error)) {
	env, err := op(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		var view *EnvironmentResponse
		if env != nil {
			v := NewEnvironmentResponse(env)
			view = &v
		}
		respondFailure(w, r, err, view)
		return
	}
	respondJSON(w, http.StatusOK, NewEnvironmentResponse(env))
}

func (s *Server) handleCheckPort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		respondError(w, r, fault.Validation("port must be a number"))
		return
	}
	avail, err := s.ctl.CheckPort(r.Context(), port)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, avail)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.ctl.Orphans(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]OrphanResponse, 0, len(orphans))
	for _, o := range orphans {
		out = append(out, newOrphanResponse(o))
	}
	respondJSON(w, http.StatusOK, map[string]any{"orphans": out})
}
