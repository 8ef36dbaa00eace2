package api

import (
	"context"
	"net/http"

	"github.com/berserksystems/instrumentality/internal/record"
	"github.com/berserksystems/instrumentality/internal/registry"
	"github.com/berserksystems/instrumentality/internal/store"
)

// viewLimit caps content and presence records returned per profile.
const viewLimit = 100

// ViewData aggregates stored observations for a set of subjects: per subject,
// per platform, per profile, the latest meta record plus recent content and
// presence, newest first.
type ViewData struct {
	SubjectData []SubjectData `json:"subject_data"`
}

type SubjectData struct {
	Subject   registry.Subject `json:"subject"`
	Platforms []PlatformData   `json:"platforms"`
}

type PlatformData struct {
	Platform string        `json:"platform"`
	Profiles []ProfileData `json:"profiles"`
}

type ProfileData struct {
	Meta     *record.Record  `json:"meta"`
	Content  []record.Record `json:"content"`
	Presence []record.Record `json:"presence"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	uuids, present := parseListParam(r, "subjects")
	if !present || len(uuids) == 0 {
		writeError(w, http.StatusBadRequest, "You must provide a list of subjects.")
		return
	}

	ctx := r.Context()

	// One transaction so the view is a consistent snapshot.
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	subjects, err := registry.FindSubjects(ctx, tx, uuids)
	if err != nil {
		writeFailure(w, err)
		return
	}

	view := ViewData{SubjectData: make([]SubjectData, 0, len(subjects))}
	for _, subject := range subjects {
		sd, err := buildSubjectData(ctx, tx, subject)
		if err != nil {
			writeFailure(w, err)
			return
		}
		view.SubjectData = append(view.SubjectData, sd)
	}
	if err := tx.Commit(); err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewResponse{Response: "OK", ViewData: view})
}

func buildSubjectData(ctx context.Context, q store.Querier, subject registry.Subject) (SubjectData, error) {
	sd := SubjectData{Subject: subject, Platforms: make([]PlatformData, 0, len(subject.Profiles))}
	for platform, ids := range subject.Profiles {
		pd := PlatformData{Platform: platform, Profiles: make([]ProfileData, 0, len(ids))}
		for _, id := range ids {
			meta, err := record.LatestMeta(ctx, q, id, platform)
			if err != nil {
				return SubjectData{}, err
			}
			content, err := record.ListByKind(ctx, q, id, platform, record.KindContent, viewLimit)
			if err != nil {
				return SubjectData{}, err
			}
			presence, err := record.ListByKind(ctx, q, id, platform, record.KindPresence, viewLimit)
			if err != nil {
				return SubjectData{}, err
			}
			pd.Profiles = append(pd.Profiles, ProfileData{
				Meta:     meta,
				Content:  content,
				Presence: presence,
			})
		}
		sd.Platforms = append(sd.Platforms, pd)
	}
	return sd, nil
}
