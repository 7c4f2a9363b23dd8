package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPVersion is the version reported by the MCP server.
const MCPVersion = "0.1.0"

// StartResearchInput is the input schema for the start_research tool.
type StartResearchInput struct {
	Topic       string `json:"topic" jsonschema:"the research question"`
	Breadth     *int   `json:"breadth,omitempty" jsonschema:"number of search queries per level"`
	Depth       *int   `json:"depth,omitempty" jsonschema:"number of follow-up levels"`
	Concurrency *int   `json:"concurrency,omitempty" jsonschema:"maximum number of concurrent external calls"`
}

// JobOutput describes a research job.
type JobOutput struct {
	ID     string  `json:"id"`
	Topic  string  `json:"topic"`
	Status string  `json:"status"`
	Report string  `json:"report,omitempty"`
	Error  string  `json:"error,omitempty"`
	Cost   float64 `json:"cost"`
}

// GetResearchInput is the input schema for the get_research tool.
type GetResearchInput struct {
	ID string `json:"id" jsonschema:"the job id returned by start_research"`
}

// SearchLearningsInput is the input schema for the search_learnings tool.
type SearchLearningsInput struct {
	Query string `json:"query" jsonschema:"what to look for in past research"`
	JobID string `json:"job_id,omitempty" jsonschema:"restrict results to one job"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"maximum number of results to return (default 5)"`
}

// SearchLearningsOutput is the output schema for the search_learnings tool.
type SearchLearningsOutput struct {
	Results []LearningOutput `json:"results"`
	Count   int              `json:"count"`
}

// LearningOutput is a stored learning.
type LearningOutput struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
	JobID   string   `json:"job_id,omitempty"`
	Query   string   `json:"query,omitempty"`
	Score   float64  `json:"score"`
}

type mcpTools struct {
	svc *Service
}

// NewMCPServer exposes the service as MCP tools.
func NewMCPServer(svc *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "deep-research",
		Version: MCPVersion,
	}, nil)

	t := &mcpTools{svc: svc}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_research",
		Description: "Start a deep research job on a topic. Returns the job id; poll get_research for the result.",
	}, t.handleStartResearch)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_research",
		Description: "Get the status and the learnings report of a research job",
	}, t.handleGetResearch)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_learnings",
		Description: "Search the learnings of finished research jobs using semantic search",
	}, t.handleSearchLearnings)

	return server
}

// NewMCPHandler serves server over streamable HTTP.
func NewMCPHandler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, nil)
}

func (t *mcpTools) handleStartResearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StartResearchInput,
) (*mcp.CallToolResult, JobOutput, error) {
	job, err := t.svc.CreateJob(ctx, CreateJobRequest{
		Topic:       input.Topic,
		Breadth:     input.Breadth,
		Depth:       input.Depth,
		Concurrency: input.Concurrency,
	})
	if err != nil {
		return nil, JobOutput{}, err
	}
	return nil, JobOutput{ID: job.ID.String(), Topic: job.Topic, Status: job.Status}, nil
}

func (t *mcpTools) handleGetResearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetResearchInput,
) (*mcp.CallToolResult, JobOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, JobOutput{}, fmt.Errorf("invalid job id %q", input.ID)
	}
	job, err := t.svc.GetJob(ctx, id)
	if err != nil {
		return nil, JobOutput{}, err
	}
	out := JobOutput{ID: job.ID.String(), Topic: job.Topic, Status: job.Status, Cost: job.Cost}
	if job.Report != nil {
		out.Report = *job.Report
	}
	if job.Error != nil {
		out.Error = *job.Error
	}
	return nil, out, nil
}

func (t *mcpTools) handleSearchLearnings(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchLearningsInput,
) (*mcp.CallToolResult, SearchLearningsOutput, error) {
	jobID := uuid.Nil
	if input.JobID != "" {
		id, err := uuid.Parse(input.JobID)
		if err != nil {
			return nil, SearchLearningsOutput{}, fmt.Errorf("invalid job id %q", input.JobID)
		}
		jobID = id
	}
	topK := input.TopK
	if topK <= 0 {
		topK = 5
	}

	matches, err := t.svc.SearchLearnings(ctx, jobID, input.Query, topK)
	if err != nil {
		return nil, SearchLearningsOutput{}, err
	}
	out := SearchLearningsOutput{Results: learningOutputs(matches), Count: len(matches)}
	return nil, out, nil
}
