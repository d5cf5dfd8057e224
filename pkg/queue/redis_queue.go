// Package queue hands uploaded reports to the extraction pipeline over a
// redis stream and tracks per-job delivery state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"labsync/internal/util"
)

const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobDone       = "done"
	JobFailed     = "failed"
)

// Job is one extraction request for a report.
type Job struct {
	ID           string    `json:"id"`
	ReportID     string    `json:"reportId"`
	UserID       string    `json:"userId"`
	FilePath     string    `json:"filePath"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Config configures the extraction stream.
type Config struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	MaxLen     int64
}

// ExtractionQueue is a redis stream of extraction jobs.
type ExtractionQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	maxLen     int64
	once       sync.Once
}

// NewExtractionQueue validates cfg and builds the queue client.
func NewExtractionQueue(cfg Config) (*ExtractionQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "labsync:extraction"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "extractors"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &ExtractionQueue{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     stream,
		group:      group,
		consumer:   consumer,
		jobTTL:     jobTTL,
		maxRetries: maxRetries,
		block:      block,
		maxLen:     maxLen,
	}, nil
}

// Enqueue records a queued job and appends it to the stream.
func (q *ExtractionQueue) Enqueue(ctx context.Context, userID, reportID, filePath string) (Job, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return Job{}, errors.New("reportId required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		ReportID:  reportID,
		UserID:    userID,
		FilePath:  filePath,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, fmt.Errorf("write job status: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    job.ID,
			"report_id": job.ReportID,
			"user_id":   job.UserID,
			"file_path": job.FilePath,
		},
	}).Err(); err != nil {
		return Job{}, fmt.Errorf("append job: %w", err)
	}
	return job, nil
}

// GetJob loads job state.
func (q *ExtractionQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Consume reads jobs with the consumer group until ctx ends. A handler error
// requeues the job until MaxRetries, then marks it failed.
func (q *ExtractionQueue) Consume(ctx context.Context, handler func(context.Context, Job) error) {
	q.ensureGroup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *ExtractionQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// BUSYGROUP means it already exists; other errors surface on read.
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	})
}

func (q *ExtractionQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Job) error) {
	jobID, _ := msg.Values["job_id"].(string)
	reportID, _ := msg.Values["report_id"].(string)
	if jobID == "" || reportID == "" {
		q.ack(ctx, msg.ID)
		return
	}
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.ID == "" {
		job = Job{ID: jobID, ReportID: reportID, CreatedAt: time.Now().UTC()}
		job.UserID, _ = msg.Values["user_id"].(string)
		job.FilePath, _ = msg.Values["file_path"].(string)
	}
	job.Attempts++
	job.Status = JobProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return
	}
	herr := handler(ctx, job)
	switch {
	case herr == nil:
		job.Status = JobDone
		job.ErrorMessage = ""
		_ = q.writeStatus(ctx, job)
		q.ack(ctx, msg.ID)
	case job.Attempts >= q.maxRetries:
		job.Status = JobFailed
		job.ErrorMessage = herr.Error()
		_ = q.writeStatus(ctx, job)
		q.ack(ctx, msg.ID)
	default:
		job.Status = JobQueued
		job.ErrorMessage = herr.Error()
		_ = q.writeStatus(ctx, job)
		_ = q.requeueAndAck(ctx, msg)
	}
}

func (q *ExtractionQueue) ack(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *ExtractionQueue) requeueAndAck(ctx context.Context, msg redis.XMessage) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: msg.Values,
	})
	pipe.XAck(ctx, q.stream, q.group, msg.ID)
	pipe.XDel(ctx, q.stream, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *ExtractionQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"reportId":  job.ReportID,
		"userId":    job.UserID,
		"filePath":  job.FilePath,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *ExtractionQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

// Close releases the redis client.
func (q *ExtractionQueue) Close() error {
	return q.client.Close()
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		ReportID:     data["reportId"],
		UserID:       data["userId"],
		FilePath:     data["filePath"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
