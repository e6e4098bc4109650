package jobs

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"docgen/internal/common/logger"
	"docgen/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func createTestJob(t *testing.T) (*models.GenerationJob, *models.GenerationRequest) {
	t.Helper()
	req := &models.GenerationRequest{
		ID:        "job-1",
		Identity:  "user-1",
		Prompt:    "Create a one-page invoice for Acme Corp, $500 due in 30 days",
		Tier:      models.TierStarter,
		Watermark: true,
		CreatedAt: testNow,
	}
	return models.NewJob(req, testNow), req
}

func createTestPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, logger.NewTestLogger(t)), mock
}

// ==========================
// MemoryStore Tests
// ==========================

func TestMemoryStore_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job, req := createTestJob(t)

	require.NoError(t, store.Create(ctx, job, req))
	assert.ErrorIs(t, store.Create(ctx, job, req), ErrJobExists)

	job.Start(testNow)
	job.Advance(models.StageAnalyzing, testNow)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status, "stored copy is independent of the caller's job")

	require.NoError(t, store.Update(ctx, job))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, models.StageAnalyzing, got.Stage)

	gotReq, err := store.Request(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Prompt, gotReq.Prompt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.Request(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, store.Update(ctx, &models.GenerationJob{ID: "missing"}), ErrJobNotFound)
}

// ==========================
// PostgresStore Tests
// ==========================

func TestPostgresStore_Create(t *testing.T) {
	store, mock := createTestPostgresStore(t)
	job, req := createTestJob(t)

	mock.ExpectExec(regexp.QuoteMeta(insertJobQuery)).
		WithArgs("job-1", "user-1", "starter", "queued", "", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), job, req))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		execErr  error
		wantErr  error
	}{
		{name: "updated", affected: 1},
		{name: "missing row", affected: 0, wantErr: ErrJobNotFound},
		{name: "database error", execErr: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := createTestPostgresStore(t)
			job, _ := createTestJob(t)
			job.Start(testNow)
			job.Complete("results/job-1.pdf", testNow.Add(time.Second))

			exp := mock.ExpectExec(regexp.QuoteMeta(updateJobQuery)).
				WithArgs("job-1", "completed", "", 100, "results/job-1.pdf", "", "", false, "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg())
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, tt.affected))
			}

			err := store.Update(context.Background(), job)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.execErr != nil:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := createTestPostgresStore(t)
	completed := testNow.Add(3 * time.Second)

	rows := sqlmock.NewRows([]string{
		"id", "identity", "tier", "status", "stage", "progress", "result_handle", "error_kind",
		"error_message", "cache_hit", "markup_source", "render_strategy", "history",
		"created_at", "updated_at", "completed_at",
	}).AddRow(
		"job-1", "user-1", "starter", "completed", "Finalizing", 100, "results/job-1.pdf", "",
		"", true, "ai", "browser-pool", []byte(`[{"stage":"Analyzing","progress":10,"at":"2025-03-14T09:30:00Z"}]`),
		testNow, completed, completed,
	)
	mock.ExpectQuery(regexp.QuoteMeta(selectJobQuery)).WithArgs("job-1").WillReturnRows(rows)

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierStarter, job.Tier)
	assert.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, "results/job-1.pdf", job.ResultHandle)
	assert.True(t, job.CacheHit)
	require.Len(t, job.History, 1)
	assert.Equal(t, models.StageAnalyzing, job.History[0].Stage)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, completed, *job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NotFound(t *testing.T) {
	store, mock := createTestPostgresStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectJobQuery)).WithArgs("nope").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(selectRequestQuery)).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.Request(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Request(t *testing.T) {
	store, mock := createTestPostgresStore(t)

	rows := sqlmock.NewRows([]string{"request"}).
		AddRow([]byte(`{"id":"job-1","identity":"user-1","prompt":"hello","tier":"business","watermark":false,"brand":{"companyName":"Acme"},"image":{"data":"YWJj","mimeType":"image/png"}}`))
	mock.ExpectQuery(regexp.QuoteMeta(selectRequestQuery)).WithArgs("job-1").WillReturnRows(rows)

	req, err := store.Request(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierBusiness, req.Tier)
	assert.Equal(t, "Acme", req.Brand.CompanyName)
	require.NotNil(t, req.Image)
	assert.Equal(t, []byte("abc"), req.Image.Data)
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	store, mock := createTestPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS generation_jobs`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Queue Tests
// ==========================

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a"))
	require.NoError(t, q.Enqueue(ctx, "b"))
	assert.ErrorIs(t, q.Enqueue(ctx, "c"), ErrQueueFull)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	id, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, "d"), ErrQueueClosed)

	id, err = q.Dequeue(ctx)
	require.NoError(t, err, "queued ids drain after close")
	assert.Equal(t, "b", id)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisQueue_FIFO(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, "test:queue", time.Second, logger.NewTestLogger(t))
	ctx := context.Background()

	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, q.Enqueue(ctx, id))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"j1", "j2", "j3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisQueue_BlocksUntilEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, "test:queue", time.Second, logger.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var got string
	var gotErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, gotErr = q.Dequeue(ctx)
	}()

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "late"))
	wg.Wait()

	require.NoError(t, gotErr)
	assert.Equal(t, "late", got)
}

func TestRedisQueue_ContextCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	q := NewRedisQueue(rdb, "test:queue", time.Second, logger.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
	assert.NotNil(t, ctx.Err())
}

func TestNewQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	log := logger.NewTestLogger(t)

	tests := []struct {
		name    string
		backend string
		rdb     *redis.Client
		want    interface{}
		wantErr bool
	}{
		{"memory", "memory", rdb, &MemoryQueue{}, false},
		{"redis", "redis", rdb, &RedisQueue{}, false},
		{"redis without client", "redis", nil, nil, true},
		{"auto with client", "auto", rdb, &RedisQueue{}, false},
		{"auto without client", "auto", nil, &MemoryQueue{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQueue(&Config{QueueBackend: tt.backend, QueueSize: 4, QueueKey: "k"}, tt.rdb, log)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, q)
		})
	}
}
