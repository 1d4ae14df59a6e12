package main

import (
	"context"
	"strings"
)

// ingestLockKeyFor identifies one logical (source, tag query) ingest so a
// second request for the same pair is suppressed while the first runs.
func ingestLockKeyFor(source string, queryTags []string) string {
	return ingestLockKey + source + ":" + deriveTagKey(queryTags)
}

func (st *appState) isTrackedTaskBusy(ctx context.Context, taskKey string) bool {
	taskID, err := st.redis.Get(ctx, taskKey).Result()
	if err != nil || strings.TrimSpace(taskID) == "" {
		return false
	}
	rec, ok := getTaskState(ctx, st.redis, taskID)
	if !ok {
		return true
	}
	return rec.Status == "PENDING" || rec.Status == "PROGRESS"
}
