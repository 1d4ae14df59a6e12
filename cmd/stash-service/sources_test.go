package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHTTPClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Second}
}

func TestSourceRegistryNames(t *testing.T) {
	registry := newSourceRegistry(testHTTPClient(), 50)
	assert.Equal(t, []string{"danbooru", "gelbooru", "rule34"}, sourceNames(registry))
}

func TestDanbooruNormalize(t *testing.T) {
	a := &danbooruAdapter{}
	raw := []byte(`[
		{"id": 101, "file_url": "https://cdn.example/101.jpg", "tag_string": "fox red_fur"},
		{"id": 102, "tag_string": "no file url here"},
		{"id": 103, "file_url": "https://cdn.example/103.png", "tag_string": ""}
	]`)

	posts, err := a.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, sourcePost{
		ExternalID: "101",
		Source:     "danbooru",
		FileURL:    "https://cdn.example/101.jpg",
		RawTags:    []string{"fox", "red_fur"},
	}, posts[0])
	assert.Equal(t, "103", posts[1].ExternalID)
	assert.Empty(t, posts[1].RawTags)
}

func TestGelbooruNormalize(t *testing.T) {
	a := &gelbooruAdapter{name: "gelbooru"}
	raw := []byte(`{"post": [
		{"id": 55, "file_url": "https://img.example/55.png", "tags": "owl night"},
		{"id": 56, "file_url": "", "tags": "dropped"}
	]}`)

	posts, err := a.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "55", posts[0].ExternalID)
	assert.Equal(t, "gelbooru", posts[0].Source)
	assert.Equal(t, []string{"owl", "night"}, posts[0].RawTags)
}

func TestRule34Normalize(t *testing.T) {
	a := &moebooruAdapter{name: "rule34"}
	raw := []byte(`[
		{"id": 9, "file_url": "https://img.example/9.gif", "tags": "fox"}
	]`)

	posts, err := a.Normalize(raw)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "rule34", posts[0].Source)
}

func TestNormalizeMalformed(t *testing.T) {
	adapters := []sourceAdapter{
		&danbooruAdapter{},
		&gelbooruAdapter{name: "gelbooru"},
		&moebooruAdapter{name: "rule34"},
	}
	for _, a := range adapters {
		t.Run(a.Name(), func(t *testing.T) {
			_, err := a.Normalize([]byte(`<html>not json</html>`))
			assert.ErrorIs(t, err, errSourceMalformed)
		})
	}
}

func TestSearchErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"client error is rejected", http.StatusUnprocessableEntity, errSourceRejected},
		{"auth error is rejected", http.StatusUnauthorized, errSourceRejected},
		{"server error is unreachable", http.StatusBadGateway, errSourceUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			a := &danbooruAdapter{client: testHTTPClient(), baseURL: srv.URL, limit: 50}
			_, err := a.Search(context.Background(), "fox", "")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSearchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	a := &gelbooruAdapter{name: "gelbooru", client: testHTTPClient(), baseURL: srv.URL, limit: 50}
	_, err := a.Search(context.Background(), "fox", "")
	assert.ErrorIs(t, err, errSourceUnreachable)
}

func TestSearchPassesQueryAndFilter(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("tags")
		writeJSON(w, http.StatusOK, []map[string]any{})
	}))
	t.Cleanup(srv.Close)

	a := &danbooruAdapter{client: testHTTPClient(), baseURL: srv.URL, limit: 50}
	raw, err := a.Search(context.Background(), "fox red", "rating:safe")
	require.NoError(t, err)
	assert.Equal(t, "fox red rating:safe", gotQuery)

	posts, err := a.Normalize(raw)
	require.NoError(t, err)
	assert.Empty(t, posts)
}
