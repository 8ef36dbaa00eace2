package api

import (
	"errors"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/registry"
)

type createGroupRequest struct {
	Name        string   `json:"name"`
	Subjects    []string `json:"subjects"`
	Description *string  `json:"description"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Subjects == nil {
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

	group, err := registry.CreateGroup(ctx, tx, operatorFrom(r).UUID,
		req.Name, req.Subjects, req.Description)
	if errors.Is(err, registry.ErrConflict) {
		writeError(w, http.StatusConflict, "Group by that name already exists.")
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
	writeJSON(w, http.StatusCreated, createResponse{Response: "OK", UUID: group.UUID})
}

type updateGroupRequest struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	Subjects    []string `json:"subjects"`
	Description *string  `json:"description"`
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UUID == "" || req.Name == "" || req.Subjects == nil {
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

	err = registry.UpdateGroup(ctx, tx, operatorFrom(r).UUID, req.UUID,
		req.Name, req.Subjects, req.Description)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusBadRequest,
			"No such group exists or it was not created by you.")
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

type deleteGroupRequest struct {
	UUID string `json:"uuid"`
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	var req deleteGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UUID == "" {
		writeError(w, http.StatusUnprocessableEntity,
			"Your data is missing a field or is otherwise unprocessable.")
		return
	}

	ctx := r.Context()
	err := registry.DeleteGroup(ctx, s.store.DB(), operatorFrom(r).UUID, req.UUID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusBadRequest,
			"No such group exists or it was not created by you.")
		return
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w, http.StatusOK)
}
