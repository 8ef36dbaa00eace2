package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/identity"
	"github.com/berserksystems/instrumentality/internal/registry"
)

// Every response body carries a "response" field of "OK" or "ERROR". Error
// bodies add a human-readable "text"; success bodies add operation fields.

type okResponse struct {
	Response string `json:"response"`
}

type errorResponse struct {
	Response string `json:"response"`
	Text     string `json:"text"`
}

type typesResponse struct {
	Response      string              `json:"response"`
	ContentTypes  map[string][]string `json:"content_types"`
	PresenceTypes map[string][]string `json:"presence_types"`
}

// registerResponse carries the plaintext key exactly once; only its digest
// is stored.
type registerResponse struct {
	Response string            `json:"response"`
	User     identity.Operator `json:"user"`
	Key      string            `json:"key"`
}

type inviteResponse struct {
	Response string `json:"response"`
	Code     string `json:"code"`
}

type loginResponse struct {
	Response string             `json:"response"`
	User     identity.Operator  `json:"user"`
	Subjects []registry.Subject `json:"subjects"`
	Groups   []registry.Group   `json:"groups"`
}

type resetResponse struct {
	Response string `json:"response"`
	Key      string `json:"key"`
}

type createResponse struct {
	Response string `json:"response"`
	UUID     string `json:"uuid"`
}

type queueResponse struct {
	Response             string `json:"response"`
	QueueID              string `json:"queue_id"`
	Platform             string `json:"platform"`
	PlatformID           string `json:"platform_id"`
	PlatformUsernameHint string `json:"platform_username_hint"`
}

type viewResponse struct {
	Response string   `json:"response"`
	ViewData ViewData `json:"view_data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, code int) {
	writeJSON(w, code, okResponse{Response: "OK"})
}

func writeError(w http.ResponseWriter, code int, text string) {
	writeJSON(w, code, errorResponse{Response: "ERROR", Text: text})
}

// writeFailure maps domain errors to the envelope. Anything unclassified is
// an internal error.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "Request timed out.")
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, "Name already in use.")
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusBadRequest, "No such subject or group exists or it was not created by you.")
	case errors.Is(err, registry.ErrUnknownPlatform):
		writeError(w, http.StatusBadRequest, "Profiles contains unsupported platform(s).")
	case errors.Is(err, registry.ErrUnknownSubject):
		writeError(w, http.StatusBadRequest, "One or more of the subjects does not exist.")
	case errors.Is(err, identity.ErrInvalidInvite):
		writeError(w, http.StatusUnauthorized, "Invalid invite code.")
	case errors.Is(err, identity.ErrNameTaken):
		writeError(w, http.StatusBadRequest, "This username is taken.")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error.")
	}
}
