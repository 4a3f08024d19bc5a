package api

import (
	"net/http"
	"time"

	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/objective"
	"hookline/pkg/outcome"
)

type createObjectiveRequest struct {
	OrgID        string         `json:"org_id"`
	Goal         objective.Goal `json:"goal"`
	BeginsAt     time.Time      `json:"begins_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	TargetEmails []string       `json:"target_emails"`
	// Targets is the older shape of TargetEmails.
	Targets []struct {
		Email string `json:"email"`
	} `json:"targets"`
}

func (req createObjectiveRequest) targets() []string {
	if req.TargetEmails != nil {
		return req.TargetEmails
	}
	out := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		out = append(out, t.Email)
	}
	return out
}

func (s *Server) handleObjectiveCreate(w http.ResponseWriter, r *http.Request) {
	var req createObjectiveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	o, res, err := s.engine.CreateObjective(r.Context(), objective.Objective{
		OrgID:     req.OrgID,
		Goal:      req.Goal,
		BeginsAt:  req.BeginsAt,
		ExpiresAt: req.ExpiresAt,
		Targets:   req.targets(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	attacks := res.Created
	if attacks == nil {
		attacks = []attack.Attack{}
	}
	writeJSON(w, 201, map[string]any{
		"objective":       o,
		"attacks":         attacks,
		"claimed_targets": res.Claimed,
	})
}

func (s *Server) handleObjectiveList(w http.ResponseWriter, r *http.Request) {
	objs, err := s.runner.Stores().Objectives.List(r.Context(), r.URL.Query().Get("org_id"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if objs == nil {
		objs = []objective.Objective{}
	}
	writeJSON(w, 200, objs)
}

func (s *Server) handleObjectiveGet(w http.ResponseWriter, r *http.Request) {
	o, err := s.runner.Stores().Objectives.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, o)
}

type updateObjectiveRequest struct {
	BeginsAt     *time.Time `json:"begins_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
	TargetEmails []string   `json:"target_emails"`
}

func (s *Server) handleObjectiveUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateObjectiveRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.engine.UpdateObjective(r.Context(), r.PathValue("id"), objective.Patch{
		BeginsAt:  req.BeginsAt,
		ExpiresAt: req.ExpiresAt,
		Targets:   req.TargetEmails,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, o)
}

func (s *Server) handleObjectiveAttacks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	id := r.PathValue("id")
	if _, err := st.Objectives.Get(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	attacks, err := st.Attacks.ByObjective(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if attacks == nil {
		attacks = []attack.Attack{}
	}
	writeJSON(w, 200, attacks)
}

func (s *Server) handleAttackGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	a, err := st.Attacks.Get(ctx, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := st.Outcomes.ByAttack(ctx, a.ID, 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	arts, err := st.Artifacts.ByAttack(ctx, a.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []outcome.Entry{}
	}
	if arts == nil {
		arts = []artifact.Artifact{}
	}
	writeJSON(w, 200, map[string]any{
		"attack":    a,
		"outcomes":  entries,
		"artifacts": arts,
	})
}

func (s *Server) handleAttackOutcomes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	id := r.PathValue("id")
	if _, err := st.Attacks.Get(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := st.Outcomes.ByAttack(ctx, id, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []outcome.Entry{}
	}
	writeJSON(w, 200, entries)
}

func (s *Server) handleAttackVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	id := r.PathValue("id")
	if _, err := st.Attacks.Get(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := st.Outcomes.VerifyChain(ctx, id); err != nil {
		writeJSON(w, 200, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, 200, map[string]any{"valid": true})
}
