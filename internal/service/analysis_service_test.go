package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/testutil"
)

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*queue.JobMessage
	err  error
}

func (q *fakeQueue) Push(ctx context.Context, msg *queue.JobMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type analysisFixture struct {
	svc   *AnalysisService
	db    *gorm.DB
	store *status.MemoryStore
	queue *fakeQueue
}

func setupAnalysisService(t *testing.T, limit int) *analysisFixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	logRepo := repository.NewAnalysisLogRepository(db)
	quota := NewQuotaService(logRepo, &config.QuotaConfig{AnonymousLimit: limit})
	store := status.NewMemoryStore()
	q := &fakeQueue{}

	svc := NewAnalysisService(logRepo, quota, store, q, &config.AnalysisConfig{StaleAfterMinutes: 30})
	return &analysisFixture{svc: svc, db: db, store: store, queue: q}
}

func TestAnalysisService_Start(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	resp, err := f.svc.Start(ctx, 0, "sess-1", "https://github.com/acme/widget.git/")
	require.NoError(t, err)
	assert.NotZero(t, resp.LogID)
	assert.Equal(t, model.StateProcessing, resp.Status)

	st, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateProcessing, st.State)
	assert.Equal(t, StepQueued, st.Step)
	assert.Equal(t, resp.LogID, st.LogID)
	assert.Equal(t, "https://github.com/acme/widget", st.RepoURL)
	assert.Nil(t, st.Result)
	assert.Nil(t, st.Error)

	require.Equal(t, 1, f.queue.len())
	msg := f.queue.msgs[0]
	assert.Equal(t, resp.LogID, msg.LogID)
	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, int64(0), msg.UserID)

	entry, err := repository.NewAnalysisLogRepository(f.db).GetByID(resp.LogID)
	require.NoError(t, err)
	assert.Equal(t, model.LogPending, entry.Status)
	assert.Nil(t, entry.UserID)
	assert.Equal(t, "sess-1", entry.SessionID)
}

func TestAnalysisService_Start_Authenticated(t *testing.T) {
	f := setupAnalysisService(t, 1)
	ctx := context.Background()
	user := testutil.TestUser(t, f.db)

	resp, err := f.svc.Start(ctx, user.ID, "", "https://github.com/acme/widget")
	require.NoError(t, err)

	entry, err := repository.NewAnalysisLogRepository(f.db).GetByID(resp.LogID)
	require.NoError(t, err)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, user.ID, *entry.UserID)
	assert.Equal(t, user.ID, f.queue.msgs[0].UserID)
}

func TestAnalysisService_Start_InvalidURL(t *testing.T) {
	f := setupAnalysisService(t, 5)

	_, err := f.svc.Start(context.Background(), 0, "sess", "ftp://nope")
	assert.ErrorIs(t, err, repourl.ErrInvalidURL)
	assert.Equal(t, 0, f.queue.len())
}

func TestAnalysisService_Start_RejectsWhileProcessing(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, 0, "other", "https://github.com/acme/two")
	assert.ErrorIs(t, err, ErrAnalysisInProgress)
	assert.Equal(t, 1, f.queue.len())

	var count int64
	require.NoError(t, f.db.Model(&model.AnalysisLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAnalysisService_Start_AllowedAfterTerminal(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	errMsg := "Failed to clone repository"
	require.NoError(t, f.store.Write(ctx, &model.AnalysisStatus{State: model.StateError, Error: &errMsg}))

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
	assert.NoError(t, err)
}

func TestAnalysisService_Start_QuotaExceeded(t *testing.T) {
	f := setupAnalysisService(t, 2)
	ctx := context.Background()

	testutil.TestLog(t, f.db, 0, "sess", model.LogCompleted)
	testutil.TestLog(t, f.db, 0, "sess", model.LogCompleted)

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// 配额拒绝不触碰状态存储
	st, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, st.State)
	assert.Equal(t, 0, f.queue.len())
}

func TestAnalysisService_Start_MissingSession(t *testing.T) {
	f := setupAnalysisService(t, 5)

	_, err := f.svc.Start(context.Background(), 0, "", "https://github.com/acme/one")
	assert.ErrorIs(t, err, ErrMissingSession)
}

func TestAnalysisService_Start_QueueFailure(t *testing.T) {
	f := setupAnalysisService(t, 5)
	f.queue.err = errors.New("redis down")
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
	require.Error(t, err)

	st, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.Error)

	var entry model.AnalysisLog
	require.NoError(t, f.db.First(&entry).Error)
	assert.Equal(t, model.LogFailed, entry.Status)
	assert.NotNil(t, entry.CompletedAt)
}

func TestAnalysisService_StaleProcessingIsAbandoned(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Write(ctx, &model.AnalysisStatus{
		State:     model.StateProcessing,
		RepoURL:   "https://github.com/acme/old",
		Timestamp: base.Unix(),
	}))

	f.svc.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	st, err := f.svc.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateProcessing, st.State)

	f.svc.SetClock(func() time.Time { return base.Add(31 * time.Minute) })
	st, err = f.svc.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, AbandonedMessage, *st.Error)

	_, err = f.svc.Start(ctx, 0, "sess", "https://github.com/acme/new")
	assert.NoError(t, err)
}

func TestAnalysisService_StartReplacesStaleRun(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Write(ctx, &model.AnalysisStatus{
		State:     model.StateProcessing,
		Timestamp: base.Unix(),
	}))
	f.svc.SetClock(func() time.Time { return base.Add(time.Hour) })

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/new")
	require.NoError(t, err)

	st, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateProcessing, st.State)
	assert.Equal(t, "https://github.com/acme/new", st.RepoURL)
}

func TestAnalysisService_ReapStale(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.svc.SetClock(func() time.Time { return base })

	reaped, err := f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.False(t, reaped)

	require.NoError(t, f.store.Write(ctx, &model.AnalysisStatus{
		State:     model.StateProcessing,
		Timestamp: base.Add(-time.Hour).Unix(),
	}))
	reaped, err = f.svc.ReapStale(ctx)
	require.NoError(t, err)
	assert.True(t, reaped)

	st, err := f.store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
}

func TestAnalysisService_ResetStatus(t *testing.T) {
	f := setupAnalysisService(t, 5)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetStatus(ctx))
	st, err := f.svc.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, st.State)
}

func TestAnalysisService_ConcurrentStartAdmitsOne(t *testing.T) {
	f := setupAnalysisService(t, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Start(ctx, 0, "sess", "https://github.com/acme/one")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else if errors.Is(err, ErrAnalysisInProgress) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 9, rejected)
	assert.Equal(t, 1, f.queue.len())
}
