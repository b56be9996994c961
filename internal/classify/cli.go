package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/iambrandonn/zoya/internal/fsutil"
	"github.com/iambrandonn/zoya/internal/task"
)

// cliRequest is the JSON document written to the classifier's stdin.
type cliRequest struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"original_name"`
	Content      string `json:"content"`
}

// cliResponse is the JSON document the classifier must print on stdout.
type cliResponse struct {
	Category         string   `json:"category"`
	Priority         string   `json:"priority"`
	Summary          string   `json:"summary"`
	ActionItems      []string `json:"action_items"`
	ApprovalRequired bool     `json:"approval_required"`
	Amount           float64  `json:"amount"`
	Deadline         string   `json:"deadline"`
}

// CLI shells out to a configured command for each record. The command
// receives a JSON request on stdin and must print a single JSON object on
// stdout; a non-zero exit, a timeout, or unparsable output are all
// transient failures that count toward the record's retry budget.
type CLI struct {
	cmd           []string
	timeout       time.Duration
	maxInputBytes int64
	logger        *slog.Logger
}

// NewCLI creates a CLI classifier.
func NewCLI(cmd []string, timeout time.Duration, maxInputBytes int64, logger *slog.Logger) *CLI {
	return &CLI{
		cmd:           cmd,
		timeout:       timeout,
		maxInputBytes: maxInputBytes,
		logger:        logger,
	}
}

// Classify runs the configured command against one record.
func (c *CLI) Classify(ctx context.Context, rec *task.Record, payloadPath string) (*Result, error) {
	if len(c.cmd) == 0 {
		return nil, fmt.Errorf("classifier command not configured")
	}

	content, err := c.readPayload(rec, payloadPath)
	if err != nil {
		return nil, err
	}

	request, err := json.Marshal(cliRequest{
		ID:           rec.ID,
		Kind:         string(rec.Kind),
		OriginalName: rec.OriginalName,
		Content:      content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classifier request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	proc := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	proc.Stdin = bytes.NewReader(request)

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	c.logger.Info("invoking classifier", "task_id", rec.ID, "cmd", c.cmd[0])

	if err := proc.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("classifier timed out after %s: %w", c.timeout, ctx.Err())
		}
		c.logger.Error("classifier failed",
			"task_id", rec.ID,
			"error", err,
			"stderr", truncate(stderr.String(), 500))
		return nil, fmt.Errorf("classifier exited with error: %w", err)
	}

	return parseResponse(stdout.Bytes())
}

// readPayload reads the companion (or, for payload-less records, nothing)
// bounded by the configured input ceiling.
func (c *CLI) readPayload(rec *task.Record, payloadPath string) (string, error) {
	if payloadPath == "" {
		return rec.OriginalName, nil
	}
	data, err := fsutil.ReadMaxBytes(payloadPath, c.maxInputBytes)
	if err != nil {
		return "", fmt.Errorf("failed to read payload for %s: %w", rec.ID, err)
	}
	return string(data), nil
}

// parseResponse decodes the classifier's stdout. Unknown category or
// priority values degrade to other/low rather than failing - the external
// tool's vocabulary drifts, the state machine's must not.
func parseResponse(output []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("classifier produced no output")
	}

	var resp cliResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse classifier output: %w", err)
	}

	result := &Result{
		Category:         task.ParseCategory(resp.Category),
		Priority:         task.ParsePriority(resp.Priority),
		Summary:          resp.Summary,
		ActionItems:      resp.ActionItems,
		ApprovalRequired: resp.ApprovalRequired,
		Amount:           resp.Amount,
	}

	if resp.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, resp.Deadline)
		if err != nil {
			return nil, fmt.Errorf("failed to parse classifier deadline %q: %w", resp.Deadline, err)
		}
		result.Deadline = &deadline
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
