package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
	"github.com/qs3c/archmind/internal/testutil"
	"github.com/qs3c/archmind/internal/worker"
)

type countingReaper struct {
	calls atomic.Int32
	err   error
}

func (r *countingReaper) ReapStale(ctx context.Context) (bool, error) {
	r.calls.Add(1)
	return r.err == nil, r.err
}

func makeClone(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	at := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, at, at))
	return dir
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(nil, "", 0)
	assert.Equal(t, time.Hour, svc.cloneMaxAge)
	assert.Equal(t, defaultReapInterval, svc.reapInterval)
	assert.NotNil(t, svc.stopChan)

	// 没有配置任何任务时 RunNow 不做事
	assert.Equal(t, 0, svc.RunNow())
}

func TestService_RunNow_CleansExpiredClones(t *testing.T) {
	root := t.TempDir()
	old := makeClone(t, root, worker.ClonePrefix+"old", 3*time.Hour)
	fresh := makeClone(t, root, worker.ClonePrefix+"fresh", time.Minute)
	other := makeClone(t, root, "keep-me", 5*time.Hour)

	reaper := &countingReaper{}
	svc := NewService(reaper, root, time.Hour)

	assert.Equal(t, 1, svc.RunNow())
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, other)
	assert.Equal(t, int32(1), reaper.calls.Load())
}

func TestService_RunNow_MissingCloneDir(t *testing.T) {
	svc := NewService(nil, filepath.Join(t.TempDir(), "missing"), time.Hour)
	assert.Equal(t, 0, svc.RunNow())
}

func TestService_ReaperErrorIsLogged(t *testing.T) {
	reaper := &countingReaper{err: errors.New("status store down")}
	svc := NewService(reaper, "", time.Hour)

	assert.NotPanics(t, func() { svc.RunNow() })
	assert.Equal(t, int32(1), reaper.calls.Load())
}

func TestService_StartRunsPeriodically(t *testing.T) {
	reaper := &countingReaper{}
	svc := NewService(reaper, t.TempDir(), time.Hour)
	svc.SetIntervals(10*time.Millisecond, 10*time.Millisecond)

	svc.Start()
	require.Eventually(t, func() bool { return reaper.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
}

func TestService_StopBeforeStart(t *testing.T) {
	svc := NewService(nil, "", time.Hour)
	assert.NotPanics(t, svc.Stop)
}

func TestService_ReapsAbandonedAnalysis(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	logRepo := repository.NewAnalysisLogRepository(db)
	quotaService := service.NewQuotaService(logRepo, &config.QuotaConfig{AnonymousLimit: 5})
	store := status.NewMemoryStore()
	analysisService := service.NewAnalysisService(logRepo, quotaService, store, nil, &config.AnalysisConfig{StaleAfterMinutes: 30})

	require.NoError(t, store.Write(context.Background(), &model.AnalysisStatus{
		State:     model.StateProcessing,
		RepoURL:   "https://github.com/acme/widget",
		Timestamp: time.Now().Add(-time.Hour).Unix(),
	}))

	NewService(analysisService, "", time.Hour).RunNow()

	st, err := store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.Error)
	assert.Equal(t, service.AbandonedMessage, *st.Error)
}
