package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/identity"
	"github.com/berserksystems/instrumentality/internal/ingest"
	"github.com/berserksystems/instrumentality/internal/log"
	"github.com/berserksystems/instrumentality/internal/queue"
	"github.com/berserksystems/instrumentality/internal/record"
	"github.com/berserksystems/instrumentality/internal/registry"
)

// decodeJSON parses the request body, answering the standard unprocessable
// envelope on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity,
			"Your data is missing a field or is otherwise unprocessable.")
		return false
	}
	return true
}

func (s *Server) handleFrontpage(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK)
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, typesResponse{
		Response:      "OK",
		ContentTypes:  s.cfg.ContentTypes,
		PresenceTypes: s.cfg.PresenceTypes,
	})
}

type registerRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity,
			"Your data is missing a field or is otherwise unprocessable.")
		return
	}

	ctx := r.Context()
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	taken, err := identity.NameTaken(ctx, tx, req.Name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, "This username is taken.")
		return
	}

	op, key, err := identity.Register(ctx, tx, req.Code, req.Name)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeFailure(w, err)
		return
	}

	logger := log.WithComponentFromContext(ctx, "api")
	logger.Info().
		Str("event", "operator.registered").
		Str("operator", op.UUID).
		Msg("operator registered")
	writeJSON(w, http.StatusCreated, registerResponse{Response: "OK", User: op, Key: key})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code, err := identity.CreateReferral(ctx, s.store.DB(), operatorFrom(r).UUID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{Response: "OK", Code: code})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	op := operatorFrom(r)

	subjects, err := registry.ListSubjects(ctx, s.store.DB(), op.UUID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	groups, err := registry.ListGroups(ctx, s.store.DB(), op.UUID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if subjects == nil {
		subjects = []registry.Subject{}
	}
	if groups == nil {
		groups = []registry.Group{}
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Response: "OK",
		User:     op,
		Subjects: subjects,
		Groups:   groups,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	op := operatorFrom(r)

	key, digest := identity.NewKey()
	if err := identity.RotateKey(ctx, s.store.DB(), op.UUID, digest); err != nil {
		writeFailure(w, err)
		return
	}
	logger := log.WithComponentFromContext(ctx, "api")
	logger.Info().
		Str("event", "operator.key_rotated").
		Str("operator", op.UUID).
		Msg("credential rotated")
	writeJSON(w, http.StatusOK, resetResponse{Response: "OK", Key: key})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	platforms, present := parseListParam(r, "platforms")
	if !present {
		writeError(w, http.StatusBadRequest, "You must provide a list of supported platforms.")
		return
	}
	if len(platforms) == 0 {
		writeError(w, http.StatusBadRequest, "You must specify which platforms you are performing jobs for.")
		return
	}
	for _, p := range platforms {
		if !s.cfg.ValidPlatform(p) {
			writeError(w, http.StatusBadRequest,
				"One or more of your given platforms is not valid. See /types for supported platforms.")
			return
		}
	}

	ctx := r.Context()
	entry, err := queue.Lease(ctx, s.store.DB(), operatorFrom(r).UUID, platforms)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entry == nil {
		writeError(w, http.StatusOK, "There are no jobs available. Please try again later.")
		return
	}

	hint, err := queue.UsernameHint(ctx, s.store.DB(), s.hints, entry.PlatformID, entry.Platform)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Response:             "OK",
		QueueID:              entry.QueueID,
		Platform:             entry.Platform,
		PlatformID:           entry.PlatformID,
		PlatformUsernameHint: hint,
	})
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var batch record.Batch
	if !decodeJSON(w, r, &batch) {
		return
	}

	ctx := r.Context()
	err := ingest.Submit(ctx, s.store, s.cfg, operatorFrom(r).UUID, batch)
	switch {
	case err == nil:
		writeOK(w, http.StatusCreated)
	case errors.Is(err, ingest.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, "No data was submitted.")
	case errors.Is(err, ingest.ErrInvalidLease):
		writeError(w, http.StatusBadRequest, "Invalid queue ID.")
	case errors.Is(err, ingest.ErrNoValidData):
		writeError(w, http.StatusBadRequest,
			"No valid data was submitted. Ensure the given platforms and content/presence types are supported by this server. Ensure all data was correctly labeled for queue jobs.")
	default:
		writeFailure(w, err)
	}
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "server.halt_requested").
		Str("operator", operatorFrom(r).UUID).
		Msg("graceful halt")
	writeOK(w, http.StatusOK)
	s.TriggerHalt()
}
