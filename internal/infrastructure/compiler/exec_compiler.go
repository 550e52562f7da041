package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

type Action string

const (
	ActionApply  Action = "apply"
	ActionRevert Action = "revert"
)

const defaultTimeout = 10 * time.Minute

type Options struct {
	Program string
	Args    []string
	Timeout time.Duration
	WorkDir string
}

// Request is written to the compiler's stdin as one JSON document.
type Request struct {
	Action  Action             `json:"action"`
	Change  ports.SchemaChange `json:"change"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// Response is the optional JSON document the compiler prints on stdout.
type Response struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// ExecCompiler drives an external schema compiler program. Exit status
// zero with no "fail" status on stdout counts as success.
type ExecCompiler struct {
	opts Options
}

var _ ports.SchemaCompiler = (*ExecCompiler)(nil)

func NewExecCompiler(opts Options) (*ExecCompiler, error) {
	if strings.TrimSpace(opts.Program) == "" {
		return nil, errors.New("compiler program is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if strings.TrimSpace(opts.WorkDir) == "" {
		opts.WorkDir = "."
	}
	return &ExecCompiler{opts: opts}, nil
}

func (c *ExecCompiler) Apply(ctx context.Context, change ports.SchemaChange) error {
	return c.run(ctx, ActionApply, change)
}

func (c *ExecCompiler) Revert(ctx context.Context, change ports.SchemaChange) error {
	return c.run(ctx, ActionRevert, change)
}

func (c *ExecCompiler) run(ctx context.Context, action Action, change ports.SchemaChange) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	req := Request{Action: action, Change: change}
	if strings.TrimSpace(change.PayloadJSON) != "" {
		req.Payload = json.RawMessage(change.PayloadJSON)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(err, "marshal compiler request")
	}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args := append(append([]string(nil), c.opts.Args...), string(action))
	cmd := exec.CommandContext(runCtx, c.opts.Program, args...)
	cmd.Dir = c.opts.WorkDir
	cmd.Env = append(os.Environ(),
		"SP_COMPILER_ACTION="+string(action),
		"SP_PROPOSAL_ID="+change.ProposalID,
		"SP_TARGET_VERSION="+change.TargetVersion,
	)
	cmd.Stdin = bytes.NewReader(body)
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "infrastructure.compiler"),
		slog.String("action", string(action)),
		slog.String("proposal_id", change.ProposalID),
	)

	started := time.Now()
	runErr := cmd.Run()
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", pipeline.ErrSchemaCompilation, action, c.opts.Timeout)
	}

	resp, parseErr := parseResponse(stdout.String())
	if runErr != nil {
		summary := resp.Summary
		if summary == "" {
			summary = firstLine(stderr.String())
		}
		if summary == "" {
			summary = runErr.Error()
		}
		return fmt.Errorf("%w: %s: %s", pipeline.ErrSchemaCompilation, action, summary)
	}
	if parseErr != nil {
		logging.Warn(logCtx, "compiler output is not a result document", slog.Any("err", errs.Loggable(parseErr)))
	}
	if strings.EqualFold(resp.Status, "fail") {
		return fmt.Errorf("%w: %s: %s", pipeline.ErrSchemaCompilation, action, resp.Summary)
	}

	logging.Info(logCtx, "schema compiler finished",
		slog.Duration("duration", time.Since(started)),
		slog.String("summary", resp.Summary),
	)
	return nil
}

func parseResponse(raw string) (Response, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Response{}, nil
	}
	var out Response
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return Response{}, err
	}
	out.Status = strings.ToLower(strings.TrimSpace(out.Status))
	out.Summary = strings.TrimSpace(out.Summary)
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
