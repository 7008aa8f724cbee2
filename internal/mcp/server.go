package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/store"
)

// Server exposes incidents and repos as MCP tools.
type Server struct {
	store  store.Store
	ingest *ingest.Service
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, in *ingest.Service) *Server {
	return &Server{store: s, ingest: in}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("sentinell", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listIncidentsTool())
	srv.AddTool(s.getIncidentTool())
	srv.AddTool(s.reportIncidentTool())
	srv.AddTool(s.approveIncidentTool())
	srv.AddTool(s.rejectIncidentTool())
	srv.AddTool(s.listReposTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.MCPServer())
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type incidentOut struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Severity   string `json:"severity"`
	SignalType string `json:"signal_type"`
	RepoID     string `json:"repo_id,omitempty"`
	PRURL      string `json:"pr_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func toIncidentOut(inc *models.Incident) incidentOut {
	return incidentOut{
		ID:         inc.ID,
		Title:      inc.Title,
		Status:     string(inc.Status),
		Severity:   string(inc.Severity),
		SignalType: string(inc.SignalType),
		RepoID:     inc.RepoID,
		PRURL:      inc.MetaString(models.MetaPRURL),
		LastError:  inc.MetaString(models.MetaLastError),
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sentinell_list_incidents
func (s *Server) listIncidentsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_list_incidents",
		mcp.WithDescription("List incidents, newest first. Returns id, title, status, severity, signal type, repo and PR URL."),
		mcp.WithString("status", mcp.Description("Filter by status"), mcp.Enum("queued", "processing", "awaiting_approval", "resolved")),
		mcp.WithString("repo", mcp.Description("Filter by repo name or ID")),
		mcp.WithNumber("limit", mcp.Description("Maximum incidents to return (default 50)")),
	)
	return tool, s.handleListIncidents
}

func (s *Server) handleListIncidents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.IncidentListFilter{
		Status: models.IncidentStatus(request.GetString("status", "")),
		Limit:  request.GetInt("limit", 50),
	}
	if name := request.GetString("repo", ""); name != "" {
		repo, err := s.resolveRepo(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.RepoID = repo.ID
	}

	incidents, err := s.store.ListIncidents(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list incidents: %v", err)), nil
	}
	out := make([]incidentOut, len(incidents))
	for i, inc := range incidents {
		out[i] = toIncidentOut(inc)
	}
	return jsonResult(out)
}

// sentinell_get_incident
func (s *Server) getIncidentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_get_incident",
		mcp.WithDescription("Get one incident with its full metadata, including the resolution step trail. Accepts a full ID or unique prefix."),
		mcp.WithString("incident_id", mcp.Required(), mcp.Description("Incident ID or unique prefix")),
	)
	return tool, s.handleGetIncident
}

func (s *Server) handleGetIncident(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("incident_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: incident_id"), nil
	}
	inc, err := s.findIncident(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(inc)
}

// sentinell_report_incident
func (s *Server) reportIncidentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_report_incident",
		mcp.WithDescription("Report a new incident. It is queued for automated remediation."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short summary of the problem")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What is happening and how it shows up")),
		mcp.WithString("repo", mcp.Description("Repo name or ID the fix belongs in")),
		mcp.WithString("severity", mcp.Description("Severity (default medium)"), mcp.Enum("low", "medium", "high", "critical")),
	)
	return tool, s.handleReportIncident
}

func (s *Server) handleReportIncident(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: description"), nil
	}

	report := ingest.ManualReport{
		Title:       title,
		Description: description,
		Severity:    models.Severity(request.GetString("severity", "")),
		Reporter:    "mcp",
	}
	if name := request.GetString("repo", ""); name != "" {
		repo, err := s.resolveRepo(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		report.RepoID = repo.ID
	}

	inc, err := s.ingest.ReportManual(ctx, report)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to report incident: %v", err)), nil
	}
	return jsonResult(toIncidentOut(inc))
}

// sentinell_approve_incident
func (s *Server) approveIncidentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_approve_incident",
		mcp.WithDescription("Approve the pending plan of an incident awaiting approval. The incident is requeued and the plan executed."),
		mcp.WithString("incident_id", mcp.Required(), mcp.Description("Incident ID or unique prefix")),
	)
	return tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.handleDecision(ctx, request, true)
	}
}

// sentinell_reject_incident
func (s *Server) rejectIncidentTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_reject_incident",
		mcp.WithDescription("Reject the pending plan of an incident awaiting approval. The incident is closed without changes."),
		mcp.WithString("incident_id", mcp.Required(), mcp.Description("Incident ID or unique prefix")),
	)
	return tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.handleDecision(ctx, request, false)
	}
}

func (s *Server) handleDecision(ctx context.Context, request mcp.CallToolRequest, approve bool) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("incident_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: incident_id"), nil
	}
	inc, err := s.findIncident(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	updated, err := s.store.DecideApproval(ctx, inc.ID, approve)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record decision: %v", err)), nil
	}
	return jsonResult(toIncidentOut(updated))
}

// sentinell_list_repos
func (s *Server) listReposTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("sentinell_list_repos",
		mcp.WithDescription("List registered repos with id, name, URL, default branch and auto-poll flag."),
	)
	return tool, s.handleListRepos
}

func (s *Server) handleListRepos(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list repos: %v", err)), nil
	}

	type repoOut struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		RepoURL       string `json:"repo_url"`
		DefaultBranch string `json:"default_branch"`
		AutoPoll      bool   `json:"auto_poll_enabled"`
	}
	out := make([]repoOut, len(repos))
	for i, r := range repos {
		out[i] = repoOut{
			ID:            r.ID,
			Name:          r.Name,
			RepoURL:       r.RepoURL,
			DefaultBranch: r.DefaultBranch,
			AutoPoll:      r.AutoPollEnabled(),
		}
	}
	return jsonResult(out)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveRepo tries to find a repo by name first, then by ID.
func (s *Server) resolveRepo(ctx context.Context, name string) (*models.Repo, error) {
	if r, err := s.store.GetRepoByName(ctx, name); err == nil {
		return r, nil
	}
	if r, err := s.store.GetRepo(ctx, name); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("repo not found: %s", name)
}

// findIncident finds an incident by full ID or unique prefix.
func (s *Server) findIncident(ctx context.Context, id string) (*models.Incident, error) {
	if inc, err := s.store.GetIncident(ctx, id); err == nil {
		return inc, nil
	}

	upper := strings.ToUpper(id)
	incidents, err := s.store.ListIncidents(ctx, store.IncidentListFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.Incident
	for _, inc := range incidents {
		if strings.HasPrefix(inc.ID, upper) {
			matches = append(matches, inc)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("incident not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous incident ID %s: matches %d incidents", id, len(matches))
	}
}
