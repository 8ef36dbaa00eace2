package api

import (
	"errors"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/registry"
)

type createSubjectRequest struct {
	Name        string              `json:"name"`
	Profiles    map[string][]string `json:"profiles"`
	Description *string             `json:"description"`
}

func (s *Server) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	var req createSubjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Profiles == nil {
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

	subject, err := registry.CreateSubject(ctx, tx, s.cfg, operatorFrom(r).UUID,
		req.Name, req.Profiles, req.Description)
	if errors.Is(err, registry.ErrConflict) {
		writeError(w, http.StatusConflict, "Subject by that name already exists.")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Response: "OK", UUID: subject.UUID})
}

type updateSubjectRequest struct {
	UUID        string              `json:"uuid"`
	Name        string              `json:"name"`
	Profiles    map[string][]string `json:"profiles"`
	Description *string             `json:"description"`
}

func (s *Server) handleUpdateSubject(w http.ResponseWriter, r *http.Request) {
	var req updateSubjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UUID == "" || req.Name == "" || req.Profiles == nil {
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

	err = registry.UpdateSubject(ctx, tx, operatorFrom(r).UUID, req.UUID,
		req.Name, req.Profiles, req.Description)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusBadRequest,
			"No such subject exists or it was not created by you.")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w, http.StatusOK)
}

type deleteSubjectRequest struct {
	UUID string `json:"uuid"`
}

func (s *Server) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	var req deleteSubjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UUID == "" {
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

	err = registry.DeleteSubject(ctx, tx, operatorFrom(r).UUID, req.UUID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusBadRequest,
			"No such subject exists or it was not created by you.")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w, http.StatusOK)
}
