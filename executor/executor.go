// Package executor implements the Remote Executor Service (C12): the
// single entry point that turns untrusted agent-generated code into a
// summarized, safe result. It orchestrates Execution Guard (C10) → Sandbox
// Manager (C11) → summarization → persistence, following the
// validate-dispatch-summarize-persist staging the orchestration layer
// uses elsewhere in this codebase. Raw execution output never leaves this
// package; every caller sees only a Report carrying a Summary.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/guard"
	"github.com/agentium/governance-core/sandbox"
	"github.com/agentium/governance-core/tier"
)

// Status is an execution's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusBlocked Status = "blocked"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusDone    Status = "completed"
)

const (
	stdoutTruncateLimit = 1000
	scalarTruncateLimit = 500
	sampleRowLimit      = 3
)

// Request is the caller-facing execution request (§6.1's
// /remote-executor/execute body).
type Request struct {
	Code            string
	AgentID         string
	ActorTier       tier.Tier
	TaskID          string
	Language        string
	Dependencies    []string
	InputData       map[string]interface{}
	TimeoutSeconds  int
	MemoryLimitMB   int64
	CPULimit        int64
	NetworkAccess   bool
}

// Summary is the only execution artifact ever returned to a caller —
// shapes drawn from the harness's own output (§6.4): tabular results
// carry a schema/rowcount/sample/stats, scalars carry a truncated string,
// and `none` carries an empty summary.
type Summary struct {
	OutputSchema map[string]string      `json:"output_schema,omitempty"`
	RowCount     int                    `json:"row_count"`
	Sample       []map[string]interface{} `json:"sample,omitempty"`
	Stats        map[string]interface{} `json:"stats,omitempty"`
	Stdout       string                 `json:"stdout"`
	Stderr       string                 `json:"stderr"`
	ElapsedMS    int64                  `json:"elapsed_ms"`
	Error        string                 `json:"error,omitempty"`
}

// SecurityResult carries the Guard verdict when execution never reached a
// sandbox.
type SecurityResult struct {
	Severity    guard.Severity
	Violations  []guard.Violation
	Remediation string
}

// Report is the public result of Execute (§4.12).
type Report struct {
	ExecutionID    string
	Status         Status
	Summary        *Summary
	SecurityResult *SecurityResult
	Error          string
}

// Record is the persisted execution history entry (§6.2).
type Record struct {
	ID        string
	AgentID   string
	TaskID    string
	Status    Status
	Summary   *Summary
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists execution records.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
}

// InMemoryStore is a map-backed Store for tests and single-process
// deployments.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: map[string]*Record{}}
}

func (s *InMemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.records[rec.ID] = &clone
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, core.WrapID("executor.Get", "not_found", id, core.ErrNotFound)
	}
	clone := *rec
	return &clone, nil
}

// harnessOutput mirrors the fixed Python harness's single stdout JSON
// object (§6.4).
type harnessOutput struct {
	Success         bool                     `json:"success"`
	OutputSchema    map[string]string        `json:"output_schema"`
	RowCount        int                      `json:"row_count"`
	Sample          []map[string]interface{} `json:"sample"`
	Stats           map[string]interface{}   `json:"stats"`
	Stdout          string                   `json:"stdout"`
	Stderr          string                   `json:"stderr"`
	ExecutionTimeMS int64                    `json:"execution_time_ms"`
	Error           string                   `json:"error"`
}

// Executor runs user-submitted code inside a sandbox after a Guard check
// and returns only a summarized result.
type Executor struct {
	sandboxes *sandbox.Manager
	store     Store
	logger    core.Logger
	image     string
}

// New builds an Executor. image is the pinned sandbox base image (§4.11).
func New(sandboxes *sandbox.Manager, store Store, logger core.Logger, image string) *Executor {
	if store == nil {
		store = NewInMemoryStore()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("executor")
	}
	if image == "" {
		image = "governance-sandbox:latest"
	}
	return &Executor{sandboxes: sandboxes, store: store, logger: logger, image: image}
}

// Execute runs req.Code to completion or timeout, always destroying the
// sandbox it creates (§4.12 step 7) and always returning a summary-only
// report (step 8).
func (e *Executor) Execute(ctx context.Context, req Request) (*Report, error) {
	execID := uuid.NewString()
	now := time.Now().UTC()
	rec := &Record{ID: execID, AgentID: req.AgentID, TaskID: req.TaskID, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := e.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	// Step 1: Guard gates before any container exists.
	result := guard.Validate(req.Code, req.ActorTier)
	if !result.Passed {
		rec.Status = StatusBlocked
		rec.UpdatedAt = time.Now().UTC()
		_ = e.store.Put(ctx, rec)
		e.logger.WarnWithContext(ctx, "execution blocked by guard", map[string]interface{}{
			"execution_id": execID, "agent_id": req.AgentID, "severity": string(result.Severity),
		})
		return &Report{
			ExecutionID: execID,
			Status:      StatusBlocked,
			SecurityResult: &SecurityResult{
				Severity: result.Severity, Violations: result.Violations, Remediation: result.Remediation,
			},
		}, nil
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	network := sandbox.NetworkNone
	if req.NetworkAccess {
		network = sandbox.NetworkBridge
	}

	sb, err := e.sandboxes.Create(ctx, req.AgentID, sandbox.Config{
		Image: e.image, CPUNanos: req.CPULimit, MemoryLimitMB: req.MemoryLimitMB,
		Network: network, Timeout: timeout,
		Labels: map[string]string{"execution_id": execID},
	})
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		rec.UpdatedAt = time.Now().UTC()
		_ = e.store.Put(ctx, rec)
		return nil, core.WrapID("executor.Execute", "infra", execID, err)
	}
	defer func() {
		if destroyErr := e.sandboxes.Destroy(context.WithoutCancel(ctx), sb.ID, "execution complete"); destroyErr != nil {
			e.logger.WarnWithContext(ctx, "sandbox destroy failed", map[string]interface{}{"sandbox_id": sb.ID, "error": destroyErr.Error()})
		}
	}()

	inputJSON, err := json.Marshal(req.InputData)
	if err != nil {
		return e.fail(ctx, rec, execID, fmt.Errorf("encode input: %w", err))
	}
	if err := e.sandboxes.StageFiles(ctx, sb.ID, map[string][]byte{
		"input.json": inputJSON,
		"code.py":    []byte(req.Code),
		"harness.py": []byte(pythonHarness),
	}); err != nil {
		return e.fail(ctx, rec, execID, err)
	}

	if err := e.sandboxes.InstallDependencies(ctx, sb.ID, req.Dependencies); err != nil {
		return e.fail(ctx, rec, execID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, execErr := e.sandboxes.Exec(runCtx, sb.ID, []string{"python3", "/tmp/harness.py"})
	if runCtx.Err() != nil {
		msg := fmt.Sprintf("Execution timed out after %d seconds", req.TimeoutSeconds)
		rec.Status = StatusFailed
		rec.Error = msg
		rec.UpdatedAt = time.Now().UTC()
		_ = e.store.Put(ctx, rec)
		return &Report{ExecutionID: execID, Status: StatusFailed, Error: msg}, nil
	}
	if execErr != nil {
		return e.fail(ctx, rec, execID, execErr)
	}

	summary := summarize(stdout, stderr)
	status := StatusDone
	reportErr := ""
	if summary.Error != "" {
		status = StatusFailed
		reportErr = summary.Error
	}

	rec.Status = status
	rec.Summary = summary
	rec.Error = reportErr
	rec.UpdatedAt = time.Now().UTC()
	_ = e.store.Put(ctx, rec)

	return &Report{ExecutionID: execID, Status: status, Summary: summary, Error: reportErr}, nil
}

func (e *Executor) fail(ctx context.Context, rec *Record, execID string, err error) (*Report, error) {
	rec.Status = StatusFailed
	rec.Error = err.Error()
	rec.UpdatedAt = time.Now().UTC()
	_ = e.store.Put(ctx, rec)
	return &Report{ExecutionID: execID, Status: StatusFailed, Error: err.Error()}, nil
}

// summarize parses the harness's stdout JSON object into a bounded
// Summary (§4.12 step 6): ≤3-row sample, truncated stdout/stderr.
func summarize(stdout, stderr string) *Summary {
	var out harnessOutput
	if err := json.Unmarshal([]byte(lastJSONLine(stdout)), &out); err != nil {
		return &Summary{
			Stdout: truncate(stdout, stdoutTruncateLimit),
			Stderr: truncate(stderr, stdoutTruncateLimit),
			Error:  "harness produced no parseable output",
		}
	}

	sample := out.Sample
	if len(sample) > sampleRowLimit {
		sample = sample[:sampleRowLimit]
	}

	s := &Summary{
		OutputSchema: out.OutputSchema,
		RowCount:     out.RowCount,
		Sample:       sample,
		Stats:        out.Stats,
		Stdout:       truncate(out.Stdout, stdoutTruncateLimit),
		Stderr:       truncate(out.Stderr, stdoutTruncateLimit),
		ElapsedMS:    out.ExecutionTimeMS,
	}
	if !out.Success {
		s.Error = out.Error
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// lastJSONLine returns the final non-empty line of stdout, which is where
// the harness's single JSON object lands even if user code printed other
// lines first.
func lastJSONLine(stdout string) string {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

// pythonHarness is the fixed entrypoint staged into every sandbox (§6.4):
// it reads input.json, executes code.py with input_data pre-bound,
// inspects result (falling back to output), and prints exactly one JSON
// object describing what happened.
const pythonHarness = `
import contextlib
import io
import json
import time
import traceback

def _classify(value):
    if isinstance(value, list) and value and isinstance(value[0], dict):
        schema = {}
        for row in value:
            for k, v in row.items():
                schema.setdefault(k, type(v).__name__)
        return {
            "output_schema": schema,
            "row_count": len(value),
            "sample": value[:3],
            "stats": {},
        }
    if isinstance(value, dict):
        return {
            "output_schema": {k: type(v).__name__ for k, v in value.items()},
            "row_count": 1,
            "sample": [value],
            "stats": {},
        }
    if value is None:
        return {"output_schema": {}, "row_count": 0, "sample": [], "stats": {}}
    return {
        "output_schema": {"value": type(value).__name__},
        "row_count": 1,
        "sample": [{"value": str(value)[:500]}],
        "stats": {},
    }

def main():
    started = time.time()
    with open("/tmp/input.json") as f:
        input_data = json.load(f)
    namespace = {"input_data": input_data}
    out = {"success": True}
    stdout_buf = io.StringIO()
    stderr_buf = io.StringIO()
    try:
        with open("/tmp/code.py") as f:
            source = f.read()
        with contextlib.redirect_stdout(stdout_buf), contextlib.redirect_stderr(stderr_buf):
            exec(compile(source, "/tmp/code.py", "exec"), namespace)
        value = namespace.get("result", namespace.get("output"))
        out.update(_classify(value))
    except Exception as exc:
        out["success"] = False
        out["error"] = "".join(traceback.format_exception_only(type(exc), exc)).strip()
        out.setdefault("output_schema", {})
        out.setdefault("row_count", 0)
        out.setdefault("sample", [])
        out.setdefault("stats", {})
    out["stdout"] = stdout_buf.getvalue()
    out["stderr"] = stderr_buf.getvalue()
    out["execution_time_ms"] = int((time.time() - started) * 1000)
    print(json.dumps(out))

if __name__ == "__main__":
    main()
`
