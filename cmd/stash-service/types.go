package main

import (
	"database/sql"
	"net/http"
	"sync"
)

type config struct {
	redisAddr        string
	redisPassword    string
	redisDB          int
	queueName        string
	mediaRoot        string
	archiveRoot      string
	archiveURLPrefix string
	dbPath           string
	concurrency      int
	downloadWorkers  int
	searchLimit      int
	apiAddr          string
}

type appState struct {
	cfg        config
	redis      RedisClient
	asynqCli   AsynqClient
	store      MediaStore
	inspector  QueueInspector
	sources    map[string]sourceAdapter
	httpClient *http.Client
}

type store struct {
	db *sql.DB
	mu sync.Mutex
}

// sourcePost is the normalized shape every adapter produces from its
// service-specific search response. It lives only for the duration of one
// ingest job; nothing persists it.
type sourcePost struct {
	ExternalID string
	Source     string
	FileURL    string
	RawTags    []string
}

type imageRecord struct {
	ID       string   `json:"id"`
	FilePath string   `json:"file_path"`
	Tags     []string `json:"tags"`
}

type queueTaskStatus struct {
	Status    string      `json:"status"`
	Result    interface{} `json:"result,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

type ingestTaskPayload struct {
	TaskID string `json:"task_id"`
	Source string `json:"source"`
	Tags   string `json:"tags"`
	Filter string `json:"filter,omitempty"`
}

type ingestResult struct {
	Source    string `json:"source"`
	Tags      string `json:"tags"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Message   string `json:"message,omitempty"`
}

type progressResult struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

type ingestTaskStatusResponse struct {
	TaskID    string  `json:"task_id"`
	Query     *string `json:"query"`
	State     string  `json:"state"`
	Message   string  `json:"message"`
	Current   *int    `json:"current,omitempty"`
	Total     *int    `json:"total,omitempty"`
	Succeeded *int    `json:"succeeded,omitempty"`
	Failed    *int    `json:"failed,omitempty"`
	Skipped   *int    `json:"skipped,omitempty"`
}

type tagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
