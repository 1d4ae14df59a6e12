package main

const (
	taskTypeIngest = "bst:ingest_source"

	taskListKey     = "bst:ingest_task_ids"
	taskQueryHash   = "bst:ingest_task_queries"
	ingestLockKey   = "bst:ingest:lock:"
	taskMetaPrefix  = "bst:task-meta-"
	maxTrackedTasks = 200
)

const (
	formatZip   = "zip"
	formatTarGz = "tar.gz"
)

const (
	matchAll = "all"
	matchAny = "any"
)
