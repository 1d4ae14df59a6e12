package main

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// RedisClient abstracts Redis operations used by API/task state flows.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// AsynqClient abstracts task enqueue operations.
type AsynqClient interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// QueueInspector abstracts queue info inspection.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Close() error
}

// MediaStore is the durable record of images and built archives. It is
// the only shared mutable state in the service; every mutation is
// individually atomic under its uniqueness constraints.
type MediaStore interface {
	Close() error
	AddImage(filePath string, tags []string) (string, error)
	FindImages(tags []string, match string) ([]string, error)
	ListImages(tags []string, match string) ([]imageRecord, error)
	FindArchive(tagKey, format string) (string, bool, error)
	RegisterArchive(tagKey, format, filePath string) error
	RemoveArchive(tagKey, format string) error
	AllTags() ([]tagCount, error)
}

var _ RedisClient = (*redis.Client)(nil)
var _ AsynqClient = (*asynq.Client)(nil)
var _ QueueInspector = (*asynq.Inspector)(nil)
var _ MediaStore = (*store)(nil)
