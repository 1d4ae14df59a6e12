package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var (
	errSourceUnreachable = errors.New("source unreachable")
	errSourceRejected    = errors.New("source rejected query")
	errSourceMalformed   = errors.New("source response malformed")
	errUnknownSource     = errors.New("unknown source")
)

// sourceAdapter normalizes one external booru-style API. Search performs
// the network call and returns the raw response body; Normalize turns a
// raw body into posts and is the only place response shapes differ.
type sourceAdapter interface {
	Name() string
	Search(ctx context.Context, tagQuery, extraFilter string) ([]byte, error)
	Normalize(raw []byte) ([]sourcePost, error)
}

func newSourceRegistry(client *http.Client, limit int) map[string]sourceAdapter {
	adapters := []sourceAdapter{
		&danbooruAdapter{client: client, baseURL: "https://danbooru.donmai.us", limit: limit},
		&gelbooruAdapter{name: "gelbooru", client: client, baseURL: "https://gelbooru.com", limit: limit},
		&moebooruAdapter{name: "rule34", client: client, baseURL: "https://api.rule34.xxx", limit: limit},
	}
	registry := make(map[string]sourceAdapter, len(adapters))
	for _, a := range adapters {
		registry[a.Name()] = a
	}
	return registry
}

func sourceNames(registry map[string]sourceAdapter) []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fetchSearch runs one GET against a booru endpoint and classifies the
// failure: transport errors are unreachable, 4xx is a rejected query
// (bad tags, auth, rate limit), 5xx is the service being down.
func fetchSearch(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceRejected, err)
	}
	req.Header.Set("User-Agent", "booru-stash/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceUnreachable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d", errSourceUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status=%d", errSourceRejected, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceUnreachable, err)
	}
	return body, nil
}

func joinQueryTags(tagQuery, extraFilter string) string {
	q := strings.TrimSpace(tagQuery)
	if f := strings.TrimSpace(extraFilter); f != "" {
		q = q + " " + f
	}
	return q
}

// danbooruAdapter speaks the danbooru JSON API: a bare array of posts
// with tags in a single space-separated tag_string.
type danbooruAdapter struct {
	client  *http.Client
	baseURL string
	limit   int
}

func (a *danbooruAdapter) Name() string { return "danbooru" }

func (a *danbooruAdapter) Search(ctx context.Context, tagQuery, extraFilter string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/posts.json?tags=%s&limit=%d",
		a.baseURL, url.QueryEscape(joinQueryTags(tagQuery, extraFilter)), a.limit)
	return fetchSearch(ctx, a.client, endpoint)
}

func (a *danbooruAdapter) Normalize(raw []byte) ([]sourcePost, error) {
	var parsed []struct {
		ID        json.Number `json:"id"`
		FileURL   string      `json:"file_url"`
		TagString string      `json:"tag_string"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceMalformed, err)
	}
	posts := make([]sourcePost, 0, len(parsed))
	for _, p := range parsed {
		if p.FileURL == "" || p.ID.String() == "" {
			continue
		}
		posts = append(posts, sourcePost{
			ExternalID: p.ID.String(),
			Source:     a.Name(),
			FileURL:    p.FileURL,
			RawTags:    strings.Fields(p.TagString),
		})
	}
	return posts, nil
}

// gelbooruAdapter speaks the gelbooru dapi: posts wrapped in a "post"
// array, tags in a space-separated "tags" attribute.
type gelbooruAdapter struct {
	name    string
	client  *http.Client
	baseURL string
	limit   int
}

func (a *gelbooruAdapter) Name() string { return a.name }

func (a *gelbooruAdapter) Search(ctx context.Context, tagQuery, extraFilter string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/index.php?page=dapi&s=post&q=index&json=1&tags=%s&limit=%d",
		a.baseURL, url.QueryEscape(joinQueryTags(tagQuery, extraFilter)), a.limit)
	return fetchSearch(ctx, a.client, endpoint)
}

func (a *gelbooruAdapter) Normalize(raw []byte) ([]sourcePost, error) {
	var parsed struct {
		Post []struct {
			ID      json.Number `json:"id"`
			FileURL string      `json:"file_url"`
			Tags    string      `json:"tags"`
		} `json:"post"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceMalformed, err)
	}
	posts := make([]sourcePost, 0, len(parsed.Post))
	for _, p := range parsed.Post {
		if p.FileURL == "" || p.ID.String() == "" {
			continue
		}
		posts = append(posts, sourcePost{
			ExternalID: p.ID.String(),
			Source:     a.Name(),
			FileURL:    p.FileURL,
			RawTags:    strings.Fields(p.Tags),
		})
	}
	return posts, nil
}

// moebooruAdapter covers rule34-style dapi endpoints that return a bare
// array instead of gelbooru's wrapper object.
type moebooruAdapter struct {
	name    string
	client  *http.Client
	baseURL string
	limit   int
}

func (a *moebooruAdapter) Name() string { return a.name }

func (a *moebooruAdapter) Search(ctx context.Context, tagQuery, extraFilter string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/index.php?page=dapi&s=post&q=index&json=1&tags=%s&limit=%d",
		a.baseURL, url.QueryEscape(joinQueryTags(tagQuery, extraFilter)), a.limit)
	return fetchSearch(ctx, a.client, endpoint)
}

func (a *moebooruAdapter) Normalize(raw []byte) ([]sourcePost, error) {
	var parsed []struct {
		ID      json.Number `json:"id"`
		FileURL string      `json:"file_url"`
		Image   string      `json:"image"`
		Tags    string      `json:"tags"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", errSourceMalformed, err)
	}
	posts := make([]sourcePost, 0, len(parsed))
	for _, p := range parsed {
		if p.FileURL == "" || p.ID.String() == "" {
			continue
		}
		posts = append(posts, sourcePost{
			ExternalID: p.ID.String(),
			Source:     a.Name(),
			FileURL:    p.FileURL,
			RawTags:    strings.Fields(p.Tags),
		})
	}
	return posts, nil
}
