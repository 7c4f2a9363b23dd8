package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/vectorstore"
)

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerJobLifecycle(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeResearcher{task: sampleTask()})
	r := newTestRouter(svc)

	w := do(r, http.MethodPost, "/api/research", `{"topic":"batteries","breadth":2,"depth":1,"concurrency":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, database.JobConfig{Breadth: 2, Depth: 1, Concurrency: 2}, created.Config)
	svc.Wait()

	w = do(r, http.MethodGet, "/api/research/"+created.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var job database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, database.StatusCompleted, job.Status)

	w = do(r, http.MethodGet, "/api/research", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []database.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)

	w = do(r, http.MethodGet, "/api/research/"+created.ID.String()+"/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []database.LogEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.NotEmpty(t, logs)
}

func TestHandlerErrors(t *testing.T) {
	r := newTestRouter(newTestService(newMemStore(), &fakeResearcher{}))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/research", `{"topic":`, http.StatusBadRequest},
		{"empty topic", http.MethodPost, "/api/research", `{"topic":""}`, http.StatusBadRequest},
		{"negative depth", http.MethodPost, "/api/research", `{"topic":"x","depth":-1}`, http.StatusBadRequest},
		{"invalid uuid", http.MethodGet, "/api/research/not-a-uuid", "", http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/research/" + uuid.NewString(), "", http.StatusNotFound},
		{"search without index", http.MethodGet, "/api/research/" + uuid.NewString() + "/learnings", "", http.StatusServiceUnavailable},
		{"search without query", http.MethodGet, "/api/learnings", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestHandlerEmptyListsAreArrays(t *testing.T) {
	r := newTestRouter(newTestService(newMemStore(), &fakeResearcher{}))

	w := do(r, http.MethodGet, "/api/research", "")
	assert.Equal(t, "[]", w.Body.String())

	w = do(r, http.MethodGet, "/api/research/"+uuid.NewString()+"/logs", "")
	assert.Equal(t, "[]", w.Body.String())
}

func TestHandlerLearnings(t *testing.T) {
	jobID := uuid.New()
	index := &memIndex{records: []vectorstore.Record{{
		Content: "Solid-state cells double energy density",
		Metadata: map[string]any{
			vectorstore.KeyJobID:   jobID.String(),
			vectorstore.KeySources: []any{"https://a.example"},
			vectorstore.KeyQuery:   "batteries",
		},
	}}}
	svc := newTestService(newMemStore(), &fakeResearcher{}).WithLearningIndex(index, wordEmbedder{})
	r := newTestRouter(svc)

	w := do(r, http.MethodGet, "/api/research/"+jobID.String()+"/learnings?q=density&top_k=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []LearningOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []LearningOutput{{
		Text:    "Solid-state cells double energy density",
		Sources: []string{"https://a.example"},
		JobID:   jobID.String(),
		Query:   "batteries",
		Score:   0.9,
	}}, got)

	w = do(r, http.MethodGet, "/api/learnings?q=density", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 1)
}
