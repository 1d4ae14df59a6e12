package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAsynqClient struct {
	enqueued []*asynq.Task
}

func (f *fakeAsynqClient) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{}, nil
}

func (f *fakeAsynqClient) Close() error { return nil }

type fakeInspector struct{}

func (fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{}, nil
}

func (fakeInspector) Close() error { return nil }

var _ AsynqClient = (*fakeAsynqClient)(nil)
var _ QueueInspector = (fakeInspector{})

func newAPITestApp(t *testing.T) (*appState, *fakeAsynqClient) {
	t.Helper()
	st := newIngestTestApp(t, "http://unused.invalid")
	cli := &fakeAsynqClient{}
	st.asynqCli = cli
	st.inspector = fakeInspector{}
	return st, cli
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleIngestPost(t *testing.T) {
	st, cli := newAPITestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"source": "Danbooru", "tags": "Fox red"}`))
	rec := httptest.NewRecorder()
	st.handleIngest(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["task_id"])
	assert.Equal(t, "danbooru", body["source"])
	require.Len(t, cli.enqueued, 1)

	var payload ingestTaskPayload
	require.NoError(t, json.Unmarshal(cli.enqueued[0].Payload(), &payload))
	assert.Equal(t, "danbooru", payload.Source)
	assert.Equal(t, "fox red", payload.Tags)
}

func TestHandleIngestPostUnknownSource(t *testing.T) {
	st, cli := newAPITestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"source": "imgur", "tags": "fox"}`))
	rec := httptest.NewRecorder()
	st.handleIngest(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, cli.enqueued)
}

func TestHandleIngestPostEmptyTags(t *testing.T) {
	st, cli := newAPITestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"source": "danbooru", "tags": "  "}`))
	rec := httptest.NewRecorder()
	st.handleIngest(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, cli.enqueued)
}

func TestHandleIngestPostDuplicateSuppressed(t *testing.T) {
	st, cli := newAPITestApp(t)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/ingest",
			strings.NewReader(`{"source": "danbooru", "tags": "fox red"}`))
		rec := httptest.NewRecorder()
		st.handleIngest(rec, req)
		return rec
	}

	require.Equal(t, http.StatusAccepted, post().Code)
	// same source and tag set (different order) while the first is pending
	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"source": "danbooru", "tags": "red fox"}`))
	rec := httptest.NewRecorder()
	st.handleIngest(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, cli.enqueued, 1)
}

func TestHandleIngestGet(t *testing.T) {
	st, _ := newAPITestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest",
		strings.NewReader(`{"source": "danbooru", "tags": "fox"}`))
	rec := httptest.NewRecorder()
	st.handleIngest(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	st.handleIngest(rec, httptest.NewRequest(http.MethodGet, "/api/ingest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PENDING", item["state"])
	assert.Equal(t, "danbooru fox", item["query"])
}

func TestHandleUpload(t *testing.T) {
	st, _ := newAPITestApp(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "fox.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("\x89PNG\r\n\x1a\npixels"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("tags", "fox red"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	st.handleUpload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["image_id"])
	assert.Contains(t, body["file_path"], "uploads/")
}

func TestHandleUploadMissingTags(t *testing.T) {
	st, _ := newAPITestApp(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "fox.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("pixels"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	st.handleUpload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleArchive(t *testing.T) {
	st, _ := newAPITestApp(t)
	st.cfg.archiveURLPrefix = "http://files.example/local/"
	storeImage(t, st, "a.jpg", []string{"fox"}, "x")

	req := httptest.NewRequest(http.MethodGet, "/api/archive?tags=fox&format=zip", nil)
	rec := httptest.NewRecorder()
	st.handleArchive(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	path, _ := body["file_path"].(string)
	assert.True(t, strings.HasSuffix(path, ".zip"))
	url, _ := body["url"].(string)
	assert.True(t, strings.HasPrefix(url, "http://files.example/local/"))
	assert.True(t, strings.HasSuffix(url, ".zip"))
}

func TestHandleArchiveNoMatches(t *testing.T) {
	st, _ := newAPITestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/archive?tags=fox", nil)
	rec := httptest.NewRecorder()
	st.handleArchive(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleArchiveBadFormat(t *testing.T) {
	st, _ := newAPITestApp(t)
	storeImage(t, st, "a.jpg", []string{"fox"}, "x")

	req := httptest.NewRequest(http.MethodGet, "/api/archive?tags=fox&format=rar", nil)
	rec := httptest.NewRecorder()
	st.handleArchive(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSources(t *testing.T) {
	st, _ := newAPITestApp(t)

	rec := httptest.NewRecorder()
	st.handleSources(rec, httptest.NewRequest(http.MethodGet, "/api/sources", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, []any{"danbooru"}, body["sources"])
}

func TestHandleImages(t *testing.T) {
	st, _ := newAPITestApp(t)
	storeImage(t, st, "a.jpg", []string{"fox", "red"}, "x")
	storeImage(t, st, "b.jpg", []string{"fox"}, "y")

	req := httptest.NewRequest(http.MethodGet, "/api/images?tags=fox,red", nil)
	rec := httptest.NewRecorder()
	st.handleImages(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, matchAll, body["match"])
}
