package profile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hookline/internal/apperr"
)

func newTestClient(url string) *Client {
	return NewClient(url, "k-123", 2*time.Second, 2, zap.NewNop())
}

func TestGetSingleProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/organizations/org-1/individuals", r.URL.Path)
		assert.Equal(t, "EMAIL", r.URL.Query().Get("handles__type"))
		assert.Equal(t, "ana@acme.test", r.URL.Query().Get("handles__value"))
		assert.Equal(t, "Api-Key k-123", r.Header.Get("Authorization"))
		w.Write([]byte(`[{
			"first_name": "Ana", "emails": [{"value": "Ana@acme.test"}], "role_title": "Controller",
			"peers": [{"first_name": "Ben", "emails": [{"value": "ben@acme.test"}]}],
			"organization": {"name": "Acme", "industry": "Manufacturing"}
		}]`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).Get(context.Background(), "org-1", "ana@acme.test")

	require.NoError(t, err)
	require.NotNil(t, snap)
	first, _ := snap.Name()
	assert.Equal(t, "Ana", first)
	assert.Equal(t, []string{"ana@acme.test"}, snap.Addresses())
	require.Len(t, snap.Peers, 1)
	assert.Equal(t, "Manufacturing", *snap.Organization.Industry)
}

func TestGetAbsentProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).Get(context.Background(), "org-1", "ghost@acme.test")

	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestGetAmbiguousProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"emails": []}, {"emails": []}]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Get(context.Background(), "org-1", "ana@acme.test")

	assert.ErrorIs(t, err, apperr.ErrProfileData)
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	snap, err := newTestClient(srv.URL).Get(context.Background(), "org-1", "ana@acme.test")

	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetGivesUpAsProfileDataError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Get(context.Background(), "org-1", "ana@acme.test")

	assert.ErrorIs(t, err, apperr.ErrProfileData)
}
