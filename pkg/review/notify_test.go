package review

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlackNotifierPostsToChannel(t *testing.T) {
	var gotChannel, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotChannel = r.PostForm.Get("channel")
		gotText = r.PostForm.Get("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C123", "https://admin.example.com/reviews/", slack.OptionAPIURL(srv.URL+"/"))
	err := n.Notify(context.Background(), Request{
		ID: "rev-1", ArtifactID: "art-1", AttackID: "atk-1", Kind: "email", Excerpt: "Hi Ana",
	})

	require.NoError(t, err)
	assert.Equal(t, "C123", gotChannel)
	assert.Contains(t, gotText, "attack atk-1")
	assert.Contains(t, gotText, "https://admin.example.com/reviews/art-1")
}

func TestSlackNotifierSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	n := NewSlackNotifier("xoxb-test", "C404", "", slack.OptionAPIURL(srv.URL+"/"))
	err := n.Notify(context.Background(), Request{ID: "rev-2"})

	assert.ErrorContains(t, err, "channel_not_found")
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), Request{ID: "rev-3", ArtifactID: "art-3"}))

	entries := logs.FilterMessage("review requested").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "art-3", entries[0].ContextMap()["artifact_id"])
}
