package api

import (
	"net/http"
	"net/mail"

	"hookline/pkg/review"
)

func (s *Server) handleReviewList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	var (
		reqs []review.Request
		err  error
	)
	if r.URL.Query().Get("status") == "pending" {
		reqs, err = st.Reviews.Pending(ctx)
	} else {
		reqs, err = st.Reviews.Recent(ctx, queryInt(r, "limit", 50))
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []review.Request{}
	}
	writeJSON(w, 200, reqs)
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.runner.Stores().Artifacts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

func (s *Server) handleArtifactApprove(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Approve(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

func (s *Server) handleArtifactReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Reject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "rejected": true})
}

func (s *Server) handleArtifactRegenerate(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, a)
}

// handleDelegationCheck inserts a test message into the given mailbox. Use it
// sparingly, ideally once per domain with the admin address.
func (s *Server) handleDelegationCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil {
		s.writeError(w, badRequest("email: %v", err))
		return
	}
	enabled, err := s.probe.ProbeDelegation(r.Context(), addr.Address, s.opts.ProbeFrom)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"enabled": enabled})
}
