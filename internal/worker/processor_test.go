package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/archmind/config"
	"github.com/qs3c/archmind/internal/model"
	"github.com/qs3c/archmind/internal/pkg/llm"
	"github.com/qs3c/archmind/internal/pkg/pubsub"
	"github.com/qs3c/archmind/internal/pkg/queue"
	"github.com/qs3c/archmind/internal/pkg/repourl"
	"github.com/qs3c/archmind/internal/pkg/status"
	"github.com/qs3c/archmind/internal/repository"
	"github.com/qs3c/archmind/internal/service"
	"github.com/qs3c/archmind/internal/testutil"
)

const testRepo = "https://github.com/acme/widget"

const validHLD = `{"title":"System","description":"overview","mermaid_code":"graph TD\n  web_client[Web] --> api_gw[API]"}`
const validLLD = "```json\n" + `{"title":"Flow","mermaid_code":"sequenceDiagram\n  A->>B: call\n  activate B\n  B-->>A: ok"}` + "\n```"

// events 记录各依赖的调用顺序
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

func (e *events) index(s string) int {
	for i, v := range e.all() {
		if v == s {
			return i
		}
	}
	return -1
}

type recordingStore struct {
	*status.MemoryStore
	ev     *events
	states []*model.AnalysisStatus
	mu     sync.Mutex
}

func (r *recordingStore) Write(ctx context.Context, s *model.AnalysisStatus) error {
	r.mu.Lock()
	copied := *s
	r.states = append(r.states, &copied)
	r.mu.Unlock()
	r.ev.add("status:" + s.State)
	return r.MemoryStore.Write(ctx, s)
}

func (r *recordingStore) WriteOwned(ctx context.Context, s *model.AnalysisStatus) (bool, error) {
	written, err := r.MemoryStore.WriteOwned(ctx, s)
	if written {
		r.mu.Lock()
		copied := *s
		r.states = append(r.states, &copied)
		r.mu.Unlock()
		r.ev.add("status:" + s.State)
	}
	return written, err
}

func (r *recordingStore) stateSequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seq []string
	for _, s := range r.states {
		if len(seq) == 0 || seq[len(seq)-1] != s.State {
			seq = append(seq, s.State)
		}
	}
	return seq
}

type fakeSource struct {
	ev         *events
	files      map[string]string
	err        error
	listCalled bool
	panicList  bool
	released   []string
}

func (f *fakeSource) Materialize(ctx context.Context, locator string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "/tmp/handle", nil
}

func (f *fakeSource) ListFiles(handle string, allowExt, ignoreDirs []string) (map[string]string, error) {
	f.listCalled = true
	if f.panicList {
		panic("walk exploded")
	}
	return f.files, nil
}

func (f *fakeSource) Release(handle string) {
	f.released = append(f.released, handle)
	f.ev.add("release")
}

type fakeIndex struct {
	exists   bool
	stored   map[string]map[string]string
	context  string
	queryErr error
	lastK    int
	embedErr error
}

func (f *fakeIndex) Exists(ctx context.Context, key string) (bool, error) {
	return f.exists, nil
}

func (f *fakeIndex) EmbedAndStore(ctx context.Context, key string, files map[string]string) (int, error) {
	if f.embedErr != nil {
		return 0, f.embedErr
	}
	if f.stored == nil {
		f.stored = make(map[string]map[string]string)
	}
	f.stored[key] = files
	return len(files), nil
}

func (f *fakeIndex) QuerySimilar(ctx context.Context, key, query string, k int) (string, error) {
	f.lastK = k
	return f.context, f.queryErr
}

type fakeGenerator struct {
	mu      sync.Mutex
	outputs map[llm.Kind]string
	errs    map[llm.Kind]error
	panicOn llm.Kind
	calls   map[llm.Kind]int
}

func (f *fakeGenerator) Generate(ctx context.Context, kind llm.Kind, contextText, repoName string) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[llm.Kind]int)
	}
	f.calls[kind]++
	f.mu.Unlock()

	if kind == f.panicOn {
		panic("generator exploded")
	}
	if err := f.errs[kind]; err != nil {
		return "", err
	}
	return f.outputs[kind], nil
}

type fakeHistory struct {
	ev    *events
	saved map[int64]*model.AnalysisResult
}

func (f *fakeHistory) Save(ctx context.Context, userID int64, result *model.AnalysisResult) error {
	if f.saved == nil {
		f.saved = make(map[int64]*model.AnalysisResult)
	}
	f.saved[userID] = result
	f.ev.add("history")
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*pubsub.ProgressMessage
}

func (f *fakePublisher) PublishProgress(ctx context.Context, msg *pubsub.ProgressMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		out = append(out, m.Step)
	}
	return out
}

type fixture struct {
	proc      *Processor
	ev        *events
	store     *recordingStore
	source    *fakeSource
	index     *fakeIndex
	gen       *fakeGenerator
	history   *fakeHistory
	publisher *fakePublisher
}

func goodOutputs() map[llm.Kind]string {
	return map[llm.Kind]string{
		llm.KindDocumentation: "# Widget\n\nDocs.",
		llm.KindHLD:           validHLD,
		llm.KindLLD:           validLLD,
		llm.KindChatSummary:   "Widget is a service.",
	}
}

func newFixture(t *testing.T, concurrent bool) *fixture {
	t.Helper()

	ev := &events{}
	f := &fixture{
		ev:        ev,
		store:     &recordingStore{MemoryStore: status.NewMemoryStore(), ev: ev},
		source:    &fakeSource{ev: ev, files: map[string]string{"main.go": "package main", "README.md": "# widget"}},
		index:     &fakeIndex{context: "--- File: main.go ---\n\npackage main\n\n"},
		gen:       &fakeGenerator{outputs: goodOutputs()},
		history:   &fakeHistory{ev: ev},
		publisher: &fakePublisher{},
	}

	f.proc = NewProcessor(Deps{
		Source:    f.source,
		Index:     f.index,
		Generator: f.gen,
		Status:    f.store,
		History:   f.history,
		Publisher: f.publisher,
	}, &config.AnalysisConfig{TopK: 15}, &config.GenerationConfig{Concurrent: concurrent})
	return f
}

func (f *fixture) final(t *testing.T) *model.AnalysisStatus {
	t.Helper()
	st, err := f.store.Read(context.Background())
	require.NoError(t, err)
	return st
}

func TestProcessor_Run_Completed(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			f := newFixture(t, concurrent)

			err := f.proc.Run(context.Background(), Job{LogID: 1, OwnerID: 7, RepoURL: testRepo + ".git"})
			require.NoError(t, err)

			st := f.final(t)
			assert.Equal(t, model.StateCompleted, st.State)
			assert.Nil(t, st.Error)
			assert.NotZero(t, st.Timestamp)
			require.NotNil(t, st.Result)

			res := st.Result
			assert.Equal(t, "widget", res.RepoName)
			assert.Equal(t, testRepo, res.RepoURL)
			assert.Equal(t, "# Widget\n\nDocs.", res.Documentation)
			assert.Equal(t, "Widget is a service.", res.ChatSummary)
			require.True(t, res.HLDGraph.IsOK())
			assert.Equal(t, "graph TD\n  webClient[Web] --> apiGw[API]", res.HLDGraph.Graph.Code())
			require.True(t, res.LLDGraph.IsOK())
			assert.Equal(t, "sequenceDiagram\n  A->>B: call\n  B-->>A: ok", res.LLDGraph.Graph.Code())
			assert.Empty(t, res.ArtifactErrors)

			assert.Equal(t, []string{model.StateProcessing, model.StateCompleted}, f.store.stateSequence())
			assert.Equal(t, 15, f.index.lastK)
			assert.Contains(t, f.index.stored, repourl.IndexKey(testRepo))
			for _, kind := range llm.Kinds {
				assert.Equal(t, 1, f.gen.calls[kind], "kind %s", kind)
			}

			require.Contains(t, f.history.saved, int64(7))
			assert.Equal(t, res.RepoURL, f.history.saved[7].RepoURL)
			assert.Equal(t, res.Documentation, f.history.saved[7].Documentation)
			assert.Equal(t, []string{"/tmp/handle"}, f.source.released)
			assert.Equal(t, pubsub.Steps, f.publisher.steps())
		})
	}
}

func TestProcessor_Run_HistoryBeforeTerminalStatus(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.proc.Run(context.Background(), Job{OwnerID: 3, RepoURL: testRepo}))

	historyAt := f.ev.index("history")
	completedAt := f.ev.index("status:" + model.StateCompleted)
	require.NotEqual(t, -1, historyAt)
	require.NotEqual(t, -1, completedAt)
	assert.Less(t, historyAt, completedAt)
}

func TestProcessor_Run_HeartbeatPerStep(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

	var steps []string
	for _, s := range f.store.states {
		if s.State == model.StateProcessing {
			steps = append(steps, s.Step)
			assert.Nil(t, s.Result)
			assert.Nil(t, s.Error)
			assert.NotZero(t, s.Timestamp)
		}
	}
	assert.Equal(t, []string{
		pubsub.StepCloning, pubsub.StepIndexing, pubsub.StepRetrieving, pubsub.StepGenerating, pubsub.StepSaving,
	}, steps)
}

func TestProcessor_Run_NoProcessableFiles(t *testing.T) {
	f := newFixture(t, false)
	f.source.files = map[string]string{}

	err := f.proc.Run(context.Background(), Job{LogID: 2, OwnerID: 9, RepoURL: testRepo})
	require.Error(t, err)

	st := f.final(t)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.Error)
	assert.Contains(t, *st.Error, "No processable files")
	assert.Nil(t, st.Result)

	assert.Equal(t, []string{model.StateProcessing, model.StateError}, f.store.stateSequence())
	assert.Empty(t, f.history.saved)
	assert.Empty(t, f.index.stored)
	assert.Empty(t, f.gen.calls)
	assert.Equal(t, []string{"/tmp/handle"}, f.source.released)
}

func TestProcessor_Run_HLDFailureIsolated(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			f := newFixture(t, concurrent)
			f.gen.errs = map[llm.Kind]error{llm.KindHLD: errors.New("quota exhausted")}

			require.NoError(t, f.proc.Run(context.Background(), Job{OwnerID: 4, RepoURL: testRepo}))

			st := f.final(t)
			assert.Equal(t, model.StateCompleted, st.State)
			require.NotNil(t, st.Result)
			assert.Equal(t, model.DiagramError, st.Result.HLDGraph.Status)
			assert.Equal(t, "No HLD data returned.", st.Result.HLDGraph.Message)
			assert.Equal(t, model.DiagramOK, st.Result.LLDGraph.Status)
			assert.NotEmpty(t, st.Result.Documentation)
			assert.NotEmpty(t, st.Result.ChatSummary)
			assert.Equal(t, "quota exhausted", st.Result.ArtifactErrors[string(llm.KindHLD)])
			assert.Contains(t, f.history.saved, int64(4))
		})
	}
}

func TestProcessor_Run_UnparseableDiagram(t *testing.T) {
	f := newFixture(t, false)
	f.gen.outputs[llm.KindLLD] = "Sorry, I cannot draw that."

	require.NoError(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

	st := f.final(t)
	assert.Equal(t, model.StateCompleted, st.State)
	assert.Equal(t, model.DiagramError, st.Result.LLDGraph.Status)
	assert.Equal(t, "Failed to parse LLD JSON.", st.Result.LLDGraph.Message)
	assert.Equal(t, "Sorry, I cannot draw that.", st.Result.LLDGraph.RawPreview)
	assert.True(t, st.Result.HLDGraph.IsOK())
}

func TestProcessor_Run_AllGenerationsFail(t *testing.T) {
	f := newFixture(t, false)
	boom := errors.New("model down")
	f.gen.errs = map[llm.Kind]error{
		llm.KindDocumentation: boom, llm.KindHLD: boom, llm.KindLLD: boom, llm.KindChatSummary: boom,
	}

	require.NoError(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

	st := f.final(t)
	assert.Equal(t, model.StateCompleted, st.State)
	assert.Len(t, st.Result.ArtifactErrors, 4)
	assert.Empty(t, st.Result.Documentation)
	assert.False(t, st.Result.HLDGraph.IsOK())
	assert.False(t, st.Result.LLDGraph.IsOK())
}

func TestProcessor_Run_CloneFailure(t *testing.T) {
	f := newFixture(t, false)
	f.source.err = classifyCloneError("remote: Repository not found.", errors.New("exit status 128"))

	err := f.proc.Run(context.Background(), Job{OwnerID: 1, RepoURL: testRepo})
	require.Error(t, err)

	st := f.final(t)
	assert.Equal(t, model.StateError, st.State)
	require.NotNil(t, st.Error)
	assert.True(t, strings.HasPrefix(*st.Error, CloneFailedMessage))
	assert.NotContains(t, *st.Error, "exit status")
	assert.Empty(t, f.source.released)
	assert.Empty(t, f.history.saved)
}

func TestProcessor_Run_CloneFailurePlainError(t *testing.T) {
	f := newFixture(t, false)
	f.source.err = errors.New("disk full")

	require.Error(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

	st := f.final(t)
	require.NotNil(t, st.Error)
	assert.Equal(t, CloneFailedMessage, *st.Error)
}

func TestProcessor_Run_EmptyRetrieval(t *testing.T) {
	tests := []struct {
		name    string
		context string
		err     error
	}{
		{name: "empty context", context: "   "},
		{name: "query error", err: errors.New("collection missing")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.index.context = tt.context
			f.index.queryErr = tt.err

			require.Error(t, f.proc.Run(context.Background(), Job{OwnerID: 2, RepoURL: testRepo}))

			st := f.final(t)
			assert.Equal(t, model.StateError, st.State)
			assert.Equal(t, RetrievalFailedMessage, *st.Error)
			assert.Empty(t, f.gen.calls)
			assert.Empty(t, f.history.saved)
		})
	}
}

func TestProcessor_Run_IndexFailure(t *testing.T) {
	f := newFixture(t, false)
	f.index.embedErr = errors.New("embedding service unreachable")

	require.Error(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))
	st := f.final(t)
	assert.Equal(t, IndexFailedMessage, *st.Error)
}

func TestProcessor_Run_ReusesExistingIndex(t *testing.T) {
	f := newFixture(t, false)
	f.index.exists = true

	require.NoError(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

	assert.False(t, f.source.listCalled)
	assert.Empty(t, f.index.stored)
	assert.Equal(t, model.StateCompleted, f.final(t).State)
}

func TestProcessor_Run_AnonymousSkipsHistory(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.proc.Run(context.Background(), Job{SessionID: "sess", RepoURL: testRepo}))
	assert.Empty(t, f.history.saved)

	for _, m := range f.publisher.msgs {
		assert.Equal(t, "sess", m.SessionID)
	}
}

func TestProcessor_Run_PanicEndsInError(t *testing.T) {
	f := newFixture(t, false)
	f.source.panicList = true

	err := f.proc.Run(context.Background(), Job{OwnerID: 5, RepoURL: testRepo})
	require.Error(t, err)

	st := f.final(t)
	assert.Equal(t, model.StateError, st.State)
	assert.Equal(t, InternalFailureMessage, *st.Error)
	assert.Equal(t, []string{"/tmp/handle"}, f.source.released)
	assert.Empty(t, f.history.saved)
}

func TestProcessor_Run_GeneratorPanicIsPerArtifact(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			f := newFixture(t, concurrent)
			f.gen.panicOn = llm.KindLLD

			require.NoError(t, f.proc.Run(context.Background(), Job{RepoURL: testRepo}))

			st := f.final(t)
			assert.Equal(t, model.StateCompleted, st.State)
			assert.Equal(t, model.DiagramError, st.Result.LLDGraph.Status)
			assert.True(t, st.Result.HLDGraph.IsOK())
			assert.Contains(t, st.Result.ArtifactErrors[string(llm.KindLLD)], "panicked")
		})
	}
}

func TestProcessor_Process(t *testing.T) {
	f := newFixture(t, false)

	err := f.proc.Process(context.Background(), &queue.JobMessage{LogID: 11, UserID: 6, RepoURL: testRepo})
	require.NoError(t, err)
	assert.Contains(t, f.history.saved, int64(6))
	for _, m := range f.publisher.msgs {
		assert.Equal(t, int64(11), m.LogID)
		assert.Equal(t, int64(6), m.UserID)
	}
}

// 使用真实的分析记录与历史服务
func TestProcessor_Run_WithRepositories(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	user := testutil.TestUser(t, db)
	logRepo := repository.NewAnalysisLogRepository(db)
	historySvc := service.NewHistoryService(repository.NewHistoryRepository(db), nil, &config.HistoryConfig{Capacity: 5})

	entry := testutil.TestLog(t, db, user.ID, "", model.LogPending)
	archiveDir := t.TempDir()

	f := newFixture(t, false)
	f.proc.deps.History = historySvc
	f.proc.deps.Logs = logRepo
	f.proc.deps.Archiver = NewArchiveStore(nil, archiveDir)

	require.NoError(t, f.proc.Run(context.Background(), Job{LogID: entry.ID, OwnerID: user.ID, RepoURL: testRepo}))

	got, err := logRepo.GetByID(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, LocalArchiveURL(entry.ID), got.ArchiveURL)
	assert.FileExists(t, LocalArchivePath(archiveDir, entry.ID))

	items, err := historySvc.GetHistory(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "widget", items[0].RepoName)
	assert.True(t, items[0].HasHLD)

	// 失败的运行只更新记录，不写历史
	failed := testutil.TestLog(t, db, user.ID, "", model.LogPending)
	f.source.files = map[string]string{}
	f.index.exists = false
	require.Error(t, f.proc.Run(context.Background(), Job{LogID: failed.ID, OwnerID: user.ID, RepoURL: "https://github.com/acme/other"}))

	got, err = logRepo.GetByID(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LogFailed, got.Status)
	assert.Equal(t, NoFilesMessage, got.ErrorMessage)

	items, err = historySvc.GetHistory(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
