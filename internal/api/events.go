package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// handleOutcomeStream pushes new outcome entries as server-sent events.
// Pass ?after=<entry id> to resume; otherwise the stream starts at the newest entry.
func (s *Server) handleOutcomeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, 500, errorBody{Message: "streaming not supported", Category: "ERROR", ErrorCode: "ERROR"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	outcomes := s.runner.Stores().Outcomes
	lastID := r.URL.Query().Get("after")

	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lastID == "" {
				latest, err := outcomes.Recent(ctx, 1)
				if err != nil {
					s.log.Warn("outcome stream poll", zap.Error(err))
					continue
				}
				if len(latest) > 0 {
					lastID = latest[0].ID
				}
				continue
			}
			entries, err := outcomes.Since(ctx, lastID, 50)
			if err != nil {
				s.log.Warn("outcome stream poll", zap.Error(err))
				continue
			}
			for _, e := range entries {
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
				lastID = e.ID
			}
			if len(entries) > 0 {
				flusher.Flush()
			}
		}
	}
}

// handleTokenConsume always answers 200 so the endpoint reveals nothing
// about which tokens exist.
func (s *Server) handleTokenConsume(w http.ResponseWriter, r *http.Request) {
	s.consume(r, r.PathValue("token"))
	writeJSON(w, 200, map[string]any{})
}

var trackingPixel = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

func (s *Server) handleTrackingPixel(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		if _, err := s.events.RecordOpen(r.Context(), id); err != nil {
			s.log.Info("email open not recorded", zap.String("content_id", id), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", "inline; filename=tracking-pixel.png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(trackingPixel)
}

var (
	awarenessPage = template.Must(template.New("awareness").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>This was a phishing simulation</title></head>
<body><h1>This was a phishing simulation</h1>
<p>The message that brought you here was sent as part of your organization's security awareness program.
No harm was done. Next time, check the sender and the link before you click.</p></body></html>`))

	loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Sign in</title></head>
<body><form method="post" action="/login?ct={{.CredentialsToken}}">
<label>Username or email address <input name="login" autocomplete="off"></label>
<label>Password <input name="password" type="password" autocomplete="off"></label>
<button type="submit">Sign in</button>
</form></body></html>`))
)

func (s *Server) handleAccessPage(w http.ResponseWriter, r *http.Request) {
	s.consume(r, r.URL.Query().Get("at"))
	s.render(w, awarenessPage, nil)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.consume(r, q.Get("at"))
	s.render(w, loginPage, struct{ CredentialsToken string }{q.Get("ct")})
}

// handleLoginSubmit consumes the credentials token. The submitted form fields
// are never parsed.
func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	s.consume(r, r.URL.Query().Get("ct"))
	s.render(w, awarenessPage, nil)
}

func (s *Server) consume(r *http.Request, token string) {
	if token == "" {
		return
	}
	if _, err := s.events.Consume(r.Context(), token); err != nil {
		s.log.Warn("token not recorded", zap.Error(err))
	}
}

func (s *Server) render(w http.ResponseWriter, t *template.Template, data any) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		s.log.Error("render page", zap.String("template", t.Name()), zap.Error(err))
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
