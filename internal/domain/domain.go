package domain

// Artifact cache statuses. The transition happens exactly once:
// decompiling -> ready or decompiling -> failed.
const (
	CacheDecompiling = "decompiling"
	CacheReady       = "ready"
	CacheFailed      = "failed"
)

// Task statuses. pending and completed/failed are stable; processing is
// transient and entered at most once per task.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Rule types. The union is closed: validation rejects anything else.
const (
	RuleText   = "text"
	RuleBinary = "binary"
)

type Artifact struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	CacheStatus string `json:"cache_status" enum:"decompiling,ready,failed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Rule is one declarative mutation against one path inside a workspace.
// Pattern, Replacement and UseRegex belong to text rules; Payload is the
// base64-encoded replacement content of binary rules.
type Rule struct {
	Type        string `json:"type" enum:"text,binary"`
	TargetPath  string `json:"target_path"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	UseRegex    bool   `json:"use_regex,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

type RuleResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Task struct {
	ID          string       `json:"id"`
	ArtifactID  string       `json:"artifact_id"`
	Status      string       `json:"status" enum:"pending,processing,completed,failed"`
	Rules       []Rule       `json:"rules"`
	RuleResults []RuleResult `json:"rule_results,omitempty"`
	OutputPath  string       `json:"output_path,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	CompletedAt *string      `json:"completed_at,omitempty" format:"date-time"`
}

type TaskSummary struct {
	ID          string  `json:"id"`
	ArtifactID  string  `json:"artifact_id"`
	Status      string  `json:"status" enum:"pending,processing,completed,failed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// FileNode is one entry of a cache file tree, directories first.
type FileNode struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"is_directory"`
	Size        *int64     `json:"size,omitempty"`
	Children    []FileNode `json:"children,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ArtifactID string `json:"artifact_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidationError describes one rejected field of one rule.
type ValidationError struct {
	RuleIndex int    `json:"rule_index"`
	Field     string `json:"field"`
	Message   string `json:"message"`
}
