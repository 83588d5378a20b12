package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/argschema"
	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// skillStdin is the JSON document piped to a skill subprocess's stdin.
type skillStdin struct {
	Args           json.RawMessage   `json:"args"`
	Session        string            `json:"session"`
	Workspace      string            `json:"workspace"`
	SessionSecrets map[string]string `json:"session_secrets"`
	PlanOutputs    []PlanOutputEntry `json:"plan_outputs"`
}

// SkillHandler runs a discovered skill's run.py with its declared secrets
// and accumulated plan context on stdin. Skills are never worker-retried.
type SkillHandler struct{}

// NewSkillHandler returns a SkillHandler.
func NewSkillHandler() *SkillHandler { return &SkillHandler{} }

func (h *SkillHandler) Handle(ctx context.Context, tc *TaskContext, task *store.Task) (TaskResult, error) {
	name := task.Skill.String
	manifest, ok := tc.AllowedSkills[name]
	if !ok {
		return TaskResult{Success: false, Output: fmt.Sprintf("skill %q is not installed or was revoked", name)}, nil
	}

	var rawArgs json.RawMessage
	if task.Args.Valid {
		rawArgs = json.RawMessage(task.Args.String)
	} else {
		rawArgs = json.RawMessage("{}")
	}
	if err := argschema.Validate(manifest.ArgsSchema, rawArgs); err != nil {
		return TaskResult{Success: false, Output: fmt.Sprintf("skill args invalid: %v", err)}, nil
	}

	stdin := skillStdin{
		Args:           rawArgs,
		Session:        tc.Session,
		Workspace:      tc.Workspace,
		SessionSecrets: tc.Secrets.Values(manifest.SessionSecrets),
		PlanOutputs:    tc.PlanOutputs,
	}
	stdinBody, err := json.Marshal(stdin)
	if err != nil {
		return TaskResult{}, fmt.Errorf("marshal skill stdin: %w", err)
	}

	timeout := time.Duration(tc.Config.SkillTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	python := filepath.Join(manifest.Path, ".venv", "bin", "python")
	script := filepath.Join(manifest.Path, "run.py")
	cmd := exec.CommandContext(runCtx, python, script)
	cmd.Dir = tc.Workspace
	cmd.Stdin = bytes.NewReader(stdinBody)

	var outBuf, errBuf limitedBuffer
	outBuf.limit = tc.Config.MaxOutputBytes
	errBuf.limit = tc.Config.MaxOutputBytes
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr != nil && cmd.ProcessState == nil {
		return TaskResult{}, fmt.Errorf("run skill %q: %w", name, runErr)
	}

	_ = tc.Store.UpdateTaskSubstatus(task.ID, "reviewing")
	review, err := tc.Brain.Reviewer.Review(ctx, brain.ReviewerVars{
		Goal:         tc.Goal,
		Detail:       task.Detail,
		Expect:       task.Expect.String,
		HasExitCode:  true,
		ExitCode:     cmd.ProcessState.ExitCode(),
		FencedOutput: fenceOutput(tc, outBuf.String()+"\n"+errBuf.String()),
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("skill review: %w", err)
	}

	for _, l := range review.Learn {
		_, _ = tc.Store.SaveLearning(l, tc.Session, "")
	}

	if review.Status == brain.VerdictReplan {
		return TaskResult{Success: false, Output: outBuf.String(), ReplanReason: review.Reason}, nil
	}
	return TaskResult{Success: true, Output: outBuf.String()}, nil
}
