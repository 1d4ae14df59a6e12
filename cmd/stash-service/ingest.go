package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// processIngestTask runs one (source, tag query) ingest job. The job as a
// whole fails only when search or normalize fails; individual post
// downloads fail independently and are aggregated into the final result.
func (st *appState) processIngestTask(ctx context.Context, t *asynq.Task) error {
	var payload ingestTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := payload.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	adapter, ok := st.sources[strings.ToLower(strings.TrimSpace(payload.Source))]
	if !ok {
		err := fmt.Errorf("%w: %s", errUnknownSource, payload.Source)
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	queryTags := normalizeTags(payload.Tags)
	if len(queryTags) == 0 {
		err := errEmptyTagSet
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": "tag query is required"})
		return err
	}

	setTaskState(ctx, st.redis, taskID, "PROGRESS", toMap(progressResult{
		Current: 0, Total: 0,
		Status: fmt.Sprintf("Searching %s for %s...", adapter.Name(), strings.Join(queryTags, " ")),
	}))

	raw, err := adapter.Search(ctx, strings.Join(queryTags, " "), payload.Filter)
	if err != nil {
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	posts, err := adapter.Normalize(raw)
	if err != nil {
		setTaskState(ctx, st.redis, taskID, "FAILURE", map[string]any{"message": err.Error()})
		return err
	}
	if len(posts) == 0 {
		res := ingestResult{Source: adapter.Name(), Tags: strings.Join(queryTags, " "), Message: "No posts found"}
		setTaskState(ctx, st.redis, taskID, "SUCCESS", toMap(res))
		return nil
	}

	total := len(posts)
	var mu sync.Mutex
	succeeded, failed, skipped, done := 0, 0, 0, 0

	sem := make(chan struct{}, st.cfg.downloadWorkers)
	var wg sync.WaitGroup
	for _, post := range posts {
		wg.Add(1)
		sem <- struct{}{}
		go func(post sourcePost) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := st.commitPost(ctx, post, queryTags)
			mu.Lock()
			switch outcome {
			case "success":
				succeeded++
			case "skipped":
				skipped++
			default:
				failed++
			}
			done++
			current := done
			status := fmt.Sprintf("saved:%d skipped:%d failed:%d", succeeded, skipped, failed)
			mu.Unlock()

			if current%5 == 0 || current == total {
				setTaskState(ctx, st.redis, taskID, "PROGRESS", map[string]any{
					"current": current,
					"total":   total,
					"status":  status,
				})
			}
		}(post)
	}
	wg.Wait()

	res := ingestResult{
		Source:    adapter.Name(),
		Tags:      strings.Join(queryTags, " "),
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
		Message:   fmt.Sprintf("completed with saved:%d skipped:%d failed:%d", succeeded, skipped, failed),
	}
	setTaskState(ctx, st.redis, taskID, "SUCCESS", toMap(res))
	return nil
}

// commitPost downloads one post and records it. The destination path is
// derived from source and external id, never from the query string, so the
// same asset fetched under different queries lands on the same path and
// the store's duplicate check makes the re-fetch a no-op.
func (st *appState) commitPost(ctx context.Context, post sourcePost, queryTags []string) string {
	select {
	case <-ctx.Done():
		return "failed"
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, post.FileURL, nil)
	if err != nil {
		return "failed"
	}
	req.Header.Set("User-Agent", "booru-stash/1.0")
	resp, err := st.httpClient.Do(req)
	if err != nil {
		return "failed"
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "failed"
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return "failed"
	}

	// Past this point the commit runs to completion even if the job is
	// cancelled, so no partial image records are left behind.
	ext := extForImage(post.FileURL, resp.Header.Get("Content-Type"))
	relPath := filepath.ToSlash(filepath.Join(post.Source, post.ExternalID+ext))
	fullPath := filepath.Join(st.cfg.mediaRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "failed"
	}
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return "failed"
	}

	// The query tags are always retained alongside the source's own tags:
	// the caller explicitly associated them with this fetch.
	tags := mergeTagSets(post.RawTags, queryTags)
	if _, err := st.store.AddImage(relPath, tags); err != nil {
		if errors.Is(err, errDuplicatePath) {
			return "skipped"
		}
		_ = os.Remove(fullPath)
		return "failed"
	}
	return "success"
}

// ingestUpload stores directly supplied bytes under uploads/ and records
// them with the given tags. Used by the upload API handler.
func (st *appState) ingestUpload(data []byte, rawTags string) (imageRecord, error) {
	tags := normalizeTags(rawTags)
	if len(tags) == 0 {
		return imageRecord{}, errEmptyTagSet
	}
	if len(data) == 0 {
		return imageRecord{}, errors.New("empty upload")
	}

	ext := extFromContentType(http.DetectContentType(data))
	relPath := filepath.ToSlash(filepath.Join("uploads", uuid.NewString()+ext))
	fullPath := filepath.Join(st.cfg.mediaRoot, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return imageRecord{}, err
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return imageRecord{}, err
	}

	id, err := st.store.AddImage(relPath, tags)
	if err != nil {
		_ = os.Remove(fullPath)
		return imageRecord{}, err
	}
	return imageRecord{ID: id, FilePath: relPath, Tags: tags}, nil
}

func extForImage(fileURL, contentType string) string {
	trimmed := fileURL
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if ext := strings.ToLower(filepath.Ext(trimmed)); isImageExt(ext) {
		return ext
	}
	return extFromContentType(contentType)
}
