package server

import (
	"packline/internal/domain"
)

// RuleRequest is one mutation rule as submitted by a client.
type RuleRequest struct {
	Type        string `json:"type" enum:"text,binary" doc:"Rule kind"`
	TargetPath  string `json:"target_path" doc:"File path relative to the workspace root"`
	Pattern     string `json:"pattern,omitempty" doc:"Text to find (text rules)"`
	Replacement string `json:"replacement,omitempty" doc:"Replacement text (text rules)"`
	UseRegex    bool   `json:"use_regex,omitempty" doc:"Treat pattern as a regular expression"`
	Payload     string `json:"payload,omitempty" doc:"Base64 replacement content (binary rules)"`
}

type CreateTaskRequest struct {
	Rules []RuleRequest `json:"rules" doc:"Rules applied in order"`
}

type ArtifactResponse struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	CacheStatus string `json:"cache_status" enum:"decompiling,ready,failed"`
	CreatedAt   string `json:"created_at"`
	TaskCount   int    `json:"task_count"`
}

type RuleResultResponse struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type TaskResponse struct {
	ID          string               `json:"id"`
	ArtifactID  string               `json:"artifact_id"`
	Status      string               `json:"status" enum:"pending,processing,completed,failed"`
	Rules       []RuleRequest        `json:"rules"`
	RuleResults []RuleResultResponse `json:"rule_results,omitempty"`
	OutputPath  string               `json:"output_path,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   string               `json:"created_at"`
	CompletedAt *string              `json:"completed_at,omitempty"`
}

type TaskSummaryResponse struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type FileNodeResponse struct {
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	IsDirectory bool               `json:"is_directory"`
	Size        *int64             `json:"size,omitempty"`
	Children    []FileNodeResponse `json:"children,omitempty"`
}

type FileContentResponse struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Content string `json:"content" doc:"Base64-encoded file content"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func domainRules(in []RuleRequest) []domain.Rule {
	out := make([]domain.Rule, len(in))
	for i, r := range in {
		out[i] = domain.Rule{
			Type:        r.Type,
			TargetPath:  r.TargetPath,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			UseRegex:    r.UseRegex,
			Payload:     r.Payload,
		}
	}
	return out
}

func ruleRequests(in []domain.Rule) []RuleRequest {
	out := make([]RuleRequest, len(in))
	for i, r := range in {
		out[i] = RuleRequest{
			Type:        r.Type,
			TargetPath:  r.TargetPath,
			Pattern:     r.Pattern,
			Replacement: r.Replacement,
			UseRegex:    r.UseRegex,
			Payload:     r.Payload,
		}
	}
	return out
}

func artifactResponse(a domain.Artifact, taskCount int) ArtifactResponse {
	return ArtifactResponse{
		ID:          a.ID,
		Filename:    a.Filename,
		Size:        a.Size,
		Checksum:    a.Checksum,
		CacheStatus: a.CacheStatus,
		CreatedAt:   a.CreatedAt,
		TaskCount:   taskCount,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          t.ID,
		ArtifactID:  t.ArtifactID,
		Status:      t.Status,
		Rules:       ruleRequests(t.Rules),
		OutputPath:  t.OutputPath,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	for _, rr := range t.RuleResults {
		resp.RuleResults = append(resp.RuleResults, RuleResultResponse{Index: rr.Index, Success: rr.Success, Message: rr.Message})
	}
	return resp
}

func taskSummaryResponse(s domain.TaskSummary) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:          s.ID,
		ArtifactID:  s.ArtifactID,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.CompletedAt,
	}
}

func fileNodeResponses(in []domain.FileNode) []FileNodeResponse {
	var out []FileNodeResponse
	for _, n := range in {
		out = append(out, FileNodeResponse{
			Name:        n.Name,
			Path:        n.Path,
			IsDirectory: n.IsDirectory,
			Size:        n.Size,
			Children:    fileNodeResponses(n.Children),
		})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ArtifactID: e.ArtifactID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
