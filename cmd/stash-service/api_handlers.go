package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

func (st *appState) handleIngest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		st.handleIngestPost(w, r)
	case http.MethodGet:
		st.handleIngestGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (st *appState) handleIngestPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
		Tags   string `json:"tags"`
		Filter string `json:"filter,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "source and tags are required"})
		return
	}

	sourceName := strings.ToLower(strings.TrimSpace(body.Source))
	if _, ok := st.sources[sourceName]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": fmt.Sprintf("unknown source %q", body.Source),
			"sources": sourceNames(st.sources),
		})
		return
	}
	queryTags := normalizeTags(tagsParam(body.Tags))
	if len(queryTags) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "tag query is required"})
		return
	}

	ctx := r.Context()
	lockKey := ingestLockKeyFor(sourceName, queryTags)
	if st.isTrackedTaskBusy(ctx, lockKey) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "An ingest for this source and tag query is already running.",
		})
		return
	}

	taskID := uuid.NewString()
	payload := ingestTaskPayload{
		TaskID: taskID,
		Source: sourceName,
		Tags:   strings.Join(queryTags, " "),
		Filter: strings.TrimSpace(body.Filter),
	}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(taskTypeIngest, b)

	_, err := st.asynqCli.Enqueue(task,
		asynq.Queue(st.cfg.queueName),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Minute),
	)
	if err != nil {
		logger.Error("failed to enqueue ingest task",
			"task_id", taskID,
			"source", sourceName,
			"tags", payload.Tags,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to queue task"})
		return
	}

	setTaskState(ctx, st.redis, taskID, "PENDING", map[string]any{"status": "Queued"})
	st.redis.Set(ctx, lockKey, taskID, 24*time.Hour)
	st.redis.RPush(ctx, taskListKey, taskID)
	st.redis.HSet(ctx, taskQueryHash, taskID, sourceName+" "+payload.Tags)
	st.redis.LTrim(ctx, taskListKey, -maxTrackedTasks, -1)

	logger.Info("ingest task queued", "task_id", taskID, "source", sourceName, "tags", payload.Tags)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "Ingest task has been queued.",
		"task_id": taskID,
		"source":  sourceName,
		"tags":    queryTags,
	})
}

func (st *appState) handleIngestGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requested := strings.TrimSpace(r.URL.Query().Get("ids"))
	var taskIDs []string
	if requested != "" {
		taskIDs = uniqueReverse(strings.Split(requested, ","))
	} else {
		ids, err := st.redis.LRange(ctx, taskListKey, -30, -1).Result()
		if err == nil {
			taskIDs = uniqueReverse(ids)
		}
	}

	items := make([]ingestTaskStatusResponse, 0, len(taskIDs))
	for _, id := range taskIDs {
		item := st.resolveIngestStatus(ctx, strings.TrimSpace(id))
		if item.TaskID != "" {
			items = append(items, item)
		}
	}

	queueDepth := 0
	if q, err := st.inspector.GetQueueInfo(st.cfg.queueName); err == nil {
		queueDepth = q.Pending + q.Active + q.Scheduled + q.Retry
	}

	summary := map[string]int{"total": len(items), "pending": 0, "success": 0, "failure": 0}
	for _, item := range items {
		switch item.State {
		case "PENDING", "PROGRESS":
			summary["pending"]++
		case "SUCCESS":
			summary["success"]++
		case "FAILURE":
			summary["failure"]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth": queueDepth,
		"summary":     summary,
		"items":       items,
	})
}

func (st *appState) resolveIngestStatus(ctx context.Context, taskID string) ingestTaskStatusResponse {
	if taskID == "" {
		return ingestTaskStatusResponse{}
	}
	queryVal, _ := st.redis.HGet(ctx, taskQueryHash, taskID).Result()
	var query *string
	if queryVal != "" {
		query = &queryVal
	}

	rec, ok := getTaskState(ctx, st.redis, taskID)
	if !ok {
		return ingestTaskStatusResponse{TaskID: taskID, Query: query, State: "PENDING", Message: "Queued or running"}
	}

	resp := ingestTaskStatusResponse{TaskID: taskID, Query: query, State: rec.Status, Message: "Running"}
	resultMap, _ := rec.Result.(map[string]any)

	switch rec.Status {
	case "PROGRESS":
		if v, ok := intFromAny(resultMap["current"]); ok {
			resp.Current = &v
		}
		if v, ok := intFromAny(resultMap["total"]); ok {
			resp.Total = &v
		}
		if s, ok := stringFromAny(resultMap["status"]); ok {
			resp.Message = s
		}
	case "SUCCESS":
		if s, ok := stringFromAny(resultMap["message"]); ok && s != "" {
			resp.Message = s
		} else {
			resp.Message = "Completed"
		}
		if v, ok := intFromAny(resultMap["succeeded"]); ok {
			resp.Succeeded = &v
		}
		if v, ok := intFromAny(resultMap["failed"]); ok {
			resp.Failed = &v
		}
		if v, ok := intFromAny(resultMap["skipped"]); ok {
			resp.Skipped = &v
		}
	case "FAILURE":
		if s, ok := stringFromAny(resultMap["message"]); ok {
			resp.Message = s
		} else {
			resp.Message = "Task failed"
		}
	default:
		resp.State = "PENDING"
		resp.Message = "Queued or running"
	}
	return resp
}

func (st *appState) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "multipart form is required"})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "file field is required"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "could not read upload"})
		return
	}

	rec, err := st.ingestUpload(data, tagsParam(r.FormValue("tags")))
	if err != nil {
		if errors.Is(err, errEmptyTagSet) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "tags field is required"})
			return
		}
		logger.Error("upload ingest failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to store upload"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"image_id":  rec.ID,
		"file_path": rec.FilePath,
		"tags":      rec.Tags,
	})
}

func (st *appState) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queryTags := normalizeTags(tagsParam(r.URL.Query().Get("tags")))
	if len(queryTags) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "tags parameter is required"})
		return
	}
	format := strings.TrimSpace(r.URL.Query().Get("format"))
	if format == "" {
		format = formatZip
	}

	path, err := st.buildOrGetArchive(queryTags, format)
	if err != nil {
		switch {
		case errors.Is(err, errBadFormat):
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "format must be zip or tar.gz"})
		case errors.Is(err, errNoMatchingImages):
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "no matching images"})
		default:
			logger.Error("archive build failed", "tags", queryTags, "format", format, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to build archive"})
		}
		return
	}

	resp := map[string]any{
		"success":   true,
		"file_path": path,
		"tags":      queryTags,
		"format":    format,
	}
	if st.cfg.archiveURLPrefix != "" {
		resp["url"] = strings.TrimRight(st.cfg.archiveURLPrefix, "/") + "/" + filepath.Base(path)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (st *appState) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sourceNames(st.sources)})
}

func (st *appState) handleTags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tags, err := st.store.AllTags()
	if err != nil {
		logger.Error("failed to list tags", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to list tags"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "total": len(tags)})
}

func (st *appState) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	queryTags := normalizeTags(tagsParam(r.URL.Query().Get("tags")))
	if len(queryTags) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "tags parameter is required"})
		return
	}
	match := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("match")))
	if match != matchAny {
		match = matchAll
	}

	records, err := st.store.ListImages(queryTags, match)
	if err != nil {
		logger.Error("failed to list images", "tags", queryTags, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "failed to list images"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"images": records,
		"total":  len(records),
		"match":  match,
	})
}

func (st *appState) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("id"))
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	rec, ok := getTaskState(r.Context(), st.redis, taskID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"state": "NOT_FOUND", "task_id": taskID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":    taskID,
		"state":      rec.Status,
		"result":     rec.Result,
		"updated_at": rec.UpdatedAt,
	})
}
