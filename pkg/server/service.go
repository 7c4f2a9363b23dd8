package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	lcembeddings "github.com/tmc/langchaingo/embeddings"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/embeddings"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

// ErrSearchUnavailable is returned by SearchLearnings when no learning index
// or no embedder is configured.
var ErrSearchUnavailable = errors.New("learning search is not configured")

// LogSink receives the log records of a job.
type LogSink interface {
	InsertLog(ctx context.Context, entry database.LogEntry) error
}

// Store persists jobs. It is implemented by database.PostgresDB.
type Store interface {
	LogSink
	CreateJob(ctx context.Context, topic string, cfg database.JobConfig) (*database.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*database.Job, error)
	ListJobs(ctx context.Context, limit int) ([]database.Job, error)
	SetJobStatus(ctx context.Context, id uuid.UUID, status string) error
	SaveJobState(ctx context.Context, id uuid.UUID, state []byte) error
	CompleteJob(ctx context.Context, id uuid.UUID, report string, result []byte, cost float64) error
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error)
}

// Index stores learnings for later search. It is implemented by
// vectorstore.LearningStore.
type Index interface {
	AddLearnings(ctx context.Context, records []vectorstore.Record) error
	Search(ctx context.Context, embedding []float32, topK int, filter map[string]any) ([]vectorstore.Match, error)
	Find(ctx context.Context, filter map[string]any, limit int) ([]vectorstore.Match, error)
}

// Researcher runs one research job.
type Researcher interface {
	RunDeepResearch(ctx context.Context, query string, breadth, depth, concurrencyLimit int) (research.ResearchTask, error)
}

// ResearcherFactory builds the researcher of a job. logger writes to the job
// log and onProgress persists the job state.
type ResearcherFactory func(logger *slog.Logger, onProgress func(research.Progress)) (Researcher, error)

type Service struct {
	Store         Store
	Index         Index
	Embedder      lcembeddings.Embedder
	NewResearcher ResearcherFactory
	// Defaults fill the budget fields a request leaves out.
	Defaults database.JobConfig
	Logger   *slog.Logger

	wg sync.WaitGroup
}

func NewService(store Store, factory ResearcherFactory, defaults database.JobConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:         store,
		NewResearcher: factory,
		Defaults:      defaults,
		Logger:        logger,
	}
}

// WithLearningIndex enables indexing and search of learnings.
func (s *Service) WithLearningIndex(index Index, embedder lcembeddings.Embedder) *Service {
	s.Index = index
	s.Embedder = embedder
	return s
}

type CreateJobRequest struct {
	Topic       string `json:"topic"`
	Breadth     *int   `json:"breadth,omitempty"`
	Depth       *int   `json:"depth,omitempty"`
	Concurrency *int   `json:"concurrency,omitempty"`
}

// jobConfig applies the defaults and validates the budget.
func (s *Service) jobConfig(req CreateJobRequest) (database.JobConfig, error) {
	cfg := s.Defaults
	if req.Breadth != nil {
		cfg.Breadth = *req.Breadth
	}
	if req.Depth != nil {
		cfg.Depth = *req.Depth
	}
	if req.Concurrency != nil {
		cfg.Concurrency = *req.Concurrency
	}
	if cfg.Breadth < 0 || cfg.Depth < 0 || cfg.Concurrency < 1 {
		return cfg, fmt.Errorf("%w: breadth=%d depth=%d concurrency=%d",
			research.ErrInvalidInput, cfg.Breadth, cfg.Depth, cfg.Concurrency)
	}
	return cfg, nil
}

// CreateJob records a job and starts it in the background.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*database.Job, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is empty", research.ErrInvalidInput)
	}
	cfg, err := s.jobConfig(req)
	if err != nil {
		return nil, err
	}

	job, err := s.Store.CreateJob(ctx, topic, cfg)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(context.Background(), job.ID, topic, cfg)
	}()

	return job, nil
}

// Wait blocks until every started job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*database.Job, error) {
	return s.Store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]database.Job, error) {
	return s.Store.ListJobs(ctx, limit)
}

func (s *Service) GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	return s.Store.GetJobLogs(ctx, id)
}

// SearchLearnings returns stored learnings ranked by similarity to query.
// An empty query lists learnings instead. jobID restricts the result to one
// job unless it is uuid.Nil.
func (s *Service) SearchLearnings(ctx context.Context, jobID uuid.UUID, query string, topK int) ([]vectorstore.Match, error) {
	if s.Index == nil {
		return nil, ErrSearchUnavailable
	}
	filter := map[string]any{}
	if jobID != uuid.Nil {
		filter[vectorstore.KeyJobID] = jobID.String()
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return s.Index.Find(ctx, filter, topK)
	}
	if s.Embedder == nil {
		return nil, ErrSearchUnavailable
	}
	vec, err := s.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if embeddings.IsZero(vec) {
		// the embedding provider is degraded; a zero vector has no direction
		s.Logger.Warn("Query embedding unavailable, listing learnings instead", "query", query)
		return s.Index.Find(ctx, filter, topK)
	}
	return s.Index.Search(ctx, vec, topK, filter)
}

func (s *Service) runWorker(ctx context.Context, jobID uuid.UUID, topic string, cfg database.JobConfig) {
	logger := slog.New(NewDBLogHandler(s.Store, jobID, s.Logger.Handler()))

	if err := s.Store.SetJobStatus(ctx, jobID, database.StatusRunning); err != nil {
		logger.Error("Failed to mark job running", "error", err)
	}

	onProgress := func(p research.Progress) {
		state, err := json.Marshal(p)
		if err != nil {
			logger.Error("Failed to marshal progress", "error", err)
			return
		}
		if err := s.Store.SaveJobState(ctx, jobID, state); err != nil {
			logger.Error("Failed to save state to DB", "error", err)
		}
	}

	researcher, err := s.NewResearcher(logger, onProgress)
	if err != nil {
		s.failJob(ctx, logger, jobID, fmt.Sprintf("Failed to init research: %v", err))
		return
	}

	task, err := researcher.RunDeepResearch(ctx, topic, cfg.Breadth, cfg.Depth, cfg.Concurrency)
	if err != nil {
		s.failJob(ctx, logger, jobID, fmt.Sprintf("Research failed: %v", err))
		return
	}

	if err := s.indexLearnings(ctx, jobID, task); err != nil {
		logger.Error("Failed to index learnings", "error", err)
	}

	result, err := json.Marshal(task.ToMap())
	if err != nil {
		s.failJob(ctx, logger, jobID, fmt.Sprintf("Failed to encode result: %v", err))
		return
	}
	if err := s.Store.CompleteJob(ctx, jobID, task.Context(), result, task.Cost); err != nil {
		logger.Error("Failed to save final report to DB", "error", err)
		return
	}
	logger.Info("Research job completed",
		"learnings", len(task.Learnings),
		"failures", len(task.Failures),
		"cost", task.Cost,
		"budget_exceeded", task.BudgetExceeded)
}

func (s *Service) failJob(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, reason string) {
	logger.Error(reason)
	if err := s.Store.FailJob(ctx, jobID, reason); err != nil {
		s.Logger.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
}

// indexLearnings embeds the learnings of task and stores them. Learnings
// whose embedding degraded to a zero vector are skipped.
func (s *Service) indexLearnings(ctx context.Context, jobID uuid.UUID, task research.ResearchTask) error {
	if s.Index == nil || s.Embedder == nil || len(task.Learnings) == 0 {
		return nil
	}
	vecs, err := s.Embedder.EmbedDocuments(ctx, task.LearningTexts())
	if err != nil {
		return fmt.Errorf("failed to embed learnings: %w", err)
	}

	records := make([]vectorstore.Record, 0, len(task.Learnings))
	for i, l := range task.Learnings {
		if i >= len(vecs) || embeddings.IsZero(vecs[i]) {
			continue
		}
		records = append(records, vectorstore.Record{
			Content: l.Text,
			Metadata: map[string]any{
				vectorstore.KeyJobID:   jobID.String(),
				vectorstore.KeySources: l.Sources,
				vectorstore.KeyQuery:   l.Query,
				vectorstore.KeyDepth:   l.Depth,
			},
			Embedding: vecs[i],
		})
	}
	return s.Index.AddLearnings(ctx, records)
}
