package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// memStore is an in-memory Store.
type memStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*database.Job
	order  []uuid.UUID
	logs   []database.LogEntry
	states [][]byte
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*database.Job)}
}

func (m *memStore) CreateJob(_ context.Context, topic string, cfg database.JobConfig) (*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &database.Job{ID: uuid.New(), Topic: topic, Status: database.StatusPending, Config: cfg, CreatedAt: time.Now()}
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	cp := *job
	return &cp, nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, limit int) ([]database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Job
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.jobs[m.order[i]])
	}
	return out, nil
}

func (m *memStore) update(id uuid.UUID, fn func(*database.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	fn(job)
	return nil
}

func (m *memStore) SetJobStatus(_ context.Context, id uuid.UUID, status string) error {
	return m.update(id, func(j *database.Job) { j.Status = status })
}

func (m *memStore) SaveJobState(_ context.Context, id uuid.UUID, state []byte) error {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
	return m.update(id, func(j *database.Job) { j.State = state })
}

func (m *memStore) CompleteJob(_ context.Context, id uuid.UUID, report string, result []byte, cost float64) error {
	return m.update(id, func(j *database.Job) {
		j.Status = database.StatusCompleted
		j.Report = &report
		j.Result = result
		j.Cost = cost
	})
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, reason string) error {
	return m.update(id, func(j *database.Job) {
		j.Status = database.StatusFailed
		j.Error = &reason
	})
}

func (m *memStore) InsertLog(_ context.Context, entry database.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = len(m.logs) + 1
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) GetJobLogs(_ context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.LogEntry
	for _, l := range m.logs {
		if l.JobID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeResearcher struct {
	task       research.ResearchTask
	err        error
	onProgress func(research.Progress)

	mu    sync.Mutex
	calls []database.JobConfig
}

func (f *fakeResearcher) RunDeepResearch(_ context.Context, query string, breadth, depth, limit int) (research.ResearchTask, error) {
	f.mu.Lock()
	f.calls = append(f.calls, database.JobConfig{Breadth: breadth, Depth: depth, Concurrency: limit})
	f.mu.Unlock()
	if f.onProgress != nil {
		f.onProgress(research.Progress{TotalDepth: depth, TotalBreadth: breadth, CurrentQuery: query, TotalQueries: 1})
	}
	if f.err != nil {
		return research.ResearchTask{}, f.err
	}
	task := f.task
	task.RootQuery = query
	return task, nil
}

func (f *fakeResearcher) factory() ResearcherFactory {
	return func(logger *slog.Logger, onProgress func(research.Progress)) (Researcher, error) {
		f.onProgress = onProgress
		logger.Info("Research started")
		return f, nil
	}
}

type memIndex struct {
	mu       sync.Mutex
	records  []vectorstore.Record
	filters  []map[string]any
	searched [][]float32
}

func (m *memIndex) AddLearnings(_ context.Context, records []vectorstore.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memIndex) Search(_ context.Context, embedding []float32, topK int, filter map[string]any) ([]vectorstore.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searched = append(m.searched, embedding)
	m.filters = append(m.filters, filter)
	return m.matches(filter, topK, 0.9), nil
}

func (m *memIndex) Find(_ context.Context, filter map[string]any, limit int) ([]vectorstore.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	return m.matches(filter, limit, 0), nil
}

func (m *memIndex) matches(filter map[string]any, limit int, score float64) []vectorstore.Match {
	var out []vectorstore.Match
	for _, r := range m.records {
		if id, ok := filter[vectorstore.KeyJobID]; ok && r.Metadata[vectorstore.KeyJobID] != id {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, vectorstore.Match{Record: r, Score: score})
	}
	return out
}

// wordEmbedder returns a zero vector for "zero" and a unit vector otherwise.
type wordEmbedder struct{}

func (wordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = wordEmbedder{}.EmbedQuery(ctx, t)
	}
	return out, nil
}

func (wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "zero" {
		return []float32{0, 0}, nil
	}
	return []float32{1, 0}, nil
}

func sampleTask() research.ResearchTask {
	return research.ResearchTask{
		Learnings: []research.Learning{
			{Text: "Solid-state cells double energy density", Sources: []string{"https://a.example"}, Query: "batteries", Depth: 0},
			{Text: "zero", Sources: []string{"https://b.example"}, Query: "batteries", Depth: 1},
		},
		Citations: map[string][]string{
			"Solid-state cells double energy density": {"https://a.example"},
			"zero": {"https://b.example"},
		},
		Cost: 0.0125,
	}
}

func intPtr(v int) *int { return &v }

func newTestService(store *memStore, r *fakeResearcher) *Service {
	return NewService(store, r.factory(), database.JobConfig{Breadth: 3, Depth: 2, Concurrency: 4}, slog.New(slog.DiscardHandler))
}

func TestServiceRunsJobToCompletion(t *testing.T) {
	store := newMemStore()
	r := &fakeResearcher{task: sampleTask()}
	index := &memIndex{}
	svc := newTestService(store, r).WithLearningIndex(index, wordEmbedder{})

	job, err := svc.CreateJob(context.Background(), CreateJobRequest{Topic: "  batteries  ", Depth: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, "batteries", job.Topic)
	assert.Equal(t, database.StatusPending, job.Status)
	svc.Wait()

	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusCompleted, got.Status)
	require.NotNil(t, got.Report)
	assert.Contains(t, *got.Report, "Solid-state cells double energy density [Sources: https://a.example]")
	assert.Equal(t, 0.0125, got.Cost)
	assert.Contains(t, string(got.Result), `"root_query":"batteries"`)
	assert.JSONEq(t, `{"current_depth":0,"total_depth":1,"current_breadth":0,"total_breadth":3,"current_query":"batteries","completed_queries":0,"total_queries":1}`, string(got.State))

	assert.Equal(t, []database.JobConfig{{Breadth: 3, Depth: 1, Concurrency: 4}}, r.calls)

	// the zero-vector learning is not indexed
	require.Len(t, index.records, 1)
	rec := index.records[0]
	assert.Equal(t, "Solid-state cells double energy density", rec.Content)
	assert.Equal(t, job.ID.String(), rec.Metadata[vectorstore.KeyJobID])
	assert.Equal(t, []string{"https://a.example"}, rec.Metadata[vectorstore.KeySources])

	logs, err := svc.GetJobLogs(context.Background(), job.ID)
	require.NoError(t, err)
	var messages []string
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	assert.Equal(t, []string{"Research started", "Research job completed"}, messages)
}

func TestServiceFailsJob(t *testing.T) {
	tests := []struct {
		name    string
		factory func(r *fakeResearcher) ResearcherFactory
		want    string
	}{
		{
			name:    "research error",
			factory: func(r *fakeResearcher) ResearcherFactory { r.err = research.ErrInvalidInput; return r.factory() },
			want:    "Research failed",
		},
		{
			name: "factory error",
			factory: func(*fakeResearcher) ResearcherFactory {
				return func(*slog.Logger, func(research.Progress)) (Researcher, error) {
					return nil, errors.New("no credentials")
				}
			},
			want: "Failed to init research: no credentials",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			svc := newTestService(store, &fakeResearcher{})
			svc.NewResearcher = tt.factory(&fakeResearcher{})

			job, err := svc.CreateJob(context.Background(), CreateJobRequest{Topic: "batteries"})
			require.NoError(t, err)
			svc.Wait()

			got, err := svc.GetJob(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, database.StatusFailed, got.Status)
			require.NotNil(t, got.Error)
			assert.Contains(t, *got.Error, tt.want)

			logs, _ := svc.GetJobLogs(context.Background(), job.ID)
			require.NotEmpty(t, logs)
			last := logs[len(logs)-1]
			assert.Equal(t, "ERROR", last.Level)
			assert.Contains(t, last.Message, tt.want)
		})
	}
}

func TestServiceRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  CreateJobRequest
	}{
		{"empty topic", CreateJobRequest{Topic: "   "}},
		{"negative breadth", CreateJobRequest{Topic: "x", Breadth: intPtr(-1)}},
		{"negative depth", CreateJobRequest{Topic: "x", Depth: intPtr(-2)}},
		{"zero concurrency", CreateJobRequest{Topic: "x", Concurrency: intPtr(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			svc := newTestService(store, &fakeResearcher{})
			_, err := svc.CreateJob(context.Background(), tt.req)
			assert.ErrorIs(t, err, research.ErrInvalidInput)
			assert.Empty(t, store.jobs)
		})
	}
}

func TestServiceZeroBreadthIsKept(t *testing.T) {
	r := &fakeResearcher{}
	svc := newTestService(newMemStore(), r)
	_, err := svc.CreateJob(context.Background(), CreateJobRequest{Topic: "x", Breadth: intPtr(0), Depth: intPtr(0), Concurrency: intPtr(1)})
	require.NoError(t, err)
	svc.Wait()
	assert.Equal(t, []database.JobConfig{{Breadth: 0, Depth: 0, Concurrency: 1}}, r.calls)
}

func TestServiceSearchLearnings(t *testing.T) {
	ctx := context.Background()
	jobA, jobB := uuid.New(), uuid.New()
	index := &memIndex{records: []vectorstore.Record{
		{Content: "a1", Metadata: map[string]any{vectorstore.KeyJobID: jobA.String()}},
		{Content: "b1", Metadata: map[string]any{vectorstore.KeyJobID: jobB.String()}},
	}}

	svc := newTestService(newMemStore(), &fakeResearcher{})
	_, err := svc.SearchLearnings(ctx, uuid.Nil, "anything", 5)
	assert.ErrorIs(t, err, ErrSearchUnavailable)

	svc.WithLearningIndex(index, nil)
	got, err := svc.SearchLearnings(ctx, jobA, "", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].Content)

	_, err = svc.SearchLearnings(ctx, jobA, "anything", 5)
	assert.ErrorIs(t, err, ErrSearchUnavailable)

	svc.WithLearningIndex(index, wordEmbedder{})
	got, err = svc.SearchLearnings(ctx, uuid.Nil, "energy density", 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 0.9, got[0].Score)
	assert.Equal(t, [][]float32{{1, 0}}, index.searched)
	assert.Equal(t, map[string]any{}, index.filters[len(index.filters)-1])

	// a degraded query embedding lists instead of ranking
	got, err = svc.SearchLearnings(ctx, jobB, "zero", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b1", got[0].Content)
	assert.Len(t, index.searched, 1)
}
