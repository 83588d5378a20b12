package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/policy"
	"github.com/kiso-run/kiso/internal/kiso/pubtoken"
	"github.com/kiso-run/kiso/internal/kiso/sanitize"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

const truncationMarker = "\n...[output truncated]"

// ExecHandler runs one exec task: translate detail to a shell command,
// check it against the deny-list, run it in the session workspace, review
// the result, and, when the reviewer returns replan with a retry hint,
// retry locally up to max_worker_retries times before reporting the
// failure for a plan-level replan.
type ExecHandler struct {
	systemEnv brain.SystemEnv
}

// NewExecHandler returns an ExecHandler describing the fixed parts of the
// execution environment shown to the translator (OS, available binaries).
func NewExecHandler(systemEnv brain.SystemEnv) *ExecHandler {
	return &ExecHandler{systemEnv: systemEnv}
}

func (h *ExecHandler) Handle(ctx context.Context, tc *TaskContext, task *store.Task) (TaskResult, error) {
	env := h.systemEnv
	env.Workdir = tc.Workspace

	detail := task.Detail
	retryHint := ""
	maxRetries := tc.Config.MaxWorkerRetries

	for attempt := 0; ; attempt++ {
		result, err := h.runOnce(ctx, tc, task, env, detail, retryHint)
		if err != nil {
			return TaskResult{}, err
		}
		if result.Success || result.ReplanReason == "" || attempt >= maxRetries {
			return result, nil
		}
		if result.RetryHint == "" {
			return result, nil
		}
		retryHint = result.RetryHint
		detail = fmt.Sprintf("%s\n\nPrior attempt failed. Hint: %s", task.Detail, retryHint)
	}
}

func (h *ExecHandler) runOnce(ctx context.Context, tc *TaskContext, task *store.Task, env brain.SystemEnv, detail, retryHint string) (TaskResult, error) {
	_ = tc.Store.UpdateTaskSubstatus(task.ID, "translating")

	preceding := make([]string, 0, len(tc.PlanOutputs))
	for _, o := range tc.PlanOutputs {
		preceding = append(preceding, o.Output)
	}

	cmd, err := tc.Brain.ExecTranslator.Translate(ctx, brain.ExecTranslatorVars{
		SystemEnv:        env,
		Detail:           detail,
		RetryHint:        retryHint,
		PrecedingOutputs: preceding,
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("exec translate: %w", err)
	}
	if cmd == brain.CannotTranslate {
		return TaskResult{Success: false, Output: "could not translate this step into a shell command"}, nil
	}

	if result := tc.Policy.Evaluate(cmd); result.Decision == policy.DecisionDeny {
		return TaskResult{
			Success: false,
			Output:  fmt.Sprintf("command rejected by policy: %s", result.Violation.Error()),
		}, nil
	}

	if err := writePlanOutputs(tc); err != nil {
		return TaskResult{}, err
	}
	pubDir := filepath.Join(tc.Workspace, "pub")
	if err := ensureDir(pubDir, tc.Config.SandboxUID); err != nil {
		return TaskResult{}, err
	}
	preexisting := listFiles(pubDir)

	_ = tc.Store.UpdateTaskSubstatus(task.ID, "executing")
	output, stderr, exitCode, runErr := h.run(ctx, tc, cmd)
	if runErr != nil && exitCode == -1 {
		return TaskResult{}, fmt.Errorf("exec task: %w", runErr)
	}

	output = appendPubLinks(output, tc, pubDir, preexisting)

	_ = tc.Store.UpdateTaskSubstatus(task.ID, "reviewing")
	review, err := tc.Brain.Reviewer.Review(ctx, brain.ReviewerVars{
		Goal:         tc.Goal,
		Detail:       task.Detail,
		Expect:       task.Expect.String,
		HasExitCode:  true,
		ExitCode:     exitCode,
		FencedOutput: fenceOutput(tc, output+"\n"+stderr),
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("exec review: %w", err)
	}

	for _, l := range review.Learn {
		_, _ = tc.Store.SaveLearning(l, tc.Session, "")
	}

	if review.Status == brain.VerdictReplan {
		return TaskResult{Success: false, Output: output, ReplanReason: review.Reason, RetryHint: review.RetryHint}, nil
	}
	return TaskResult{Success: true, Output: output}, nil
}

func (h *ExecHandler) run(ctx context.Context, tc *TaskContext, shellCmd string) (stdout, stderr string, exitCode int, err error) {
	timeout := time.Duration(tc.Config.ExecTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", shellCmd)
	cmd.Dir = tc.Workspace
	cmd.Env = buildExecEnv()
	if tc.Config.SandboxUID > 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: &syscall.Credential{Uid: uint32(tc.Config.SandboxUID), Gid: uint32(tc.Config.SandboxUID)}}
	}

	var outBuf, errBuf limitedBuffer
	maxBytes := tc.Config.MaxOutputBytes
	outBuf.limit = maxBytes
	errBuf.limit = maxBytes
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	waitErr := cmd.Run()

	exitCode = -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && cmd.ProcessState == nil {
		return "", "", -1, waitErr
	}

	select {
	case <-tc.Cancel:
		return outBuf.String(), errBuf.String(), exitCode, nil
	default:
	}

	return outBuf.String(), errBuf.String(), exitCode, nil
}

func buildExecEnv() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	if v := os.Getenv("GIT_CONFIG_GLOBAL"); v != "" {
		env = append(env, "GIT_CONFIG_GLOBAL="+v)
	}
	if v := os.Getenv("GIT_SSH_COMMAND"); v != "" {
		env = append(env, "GIT_SSH_COMMAND="+v)
	}
	return env
}

// limitedBuffer caps writes at limit bytes, appending a truncation marker
// on the first write that would overflow it.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		room := b.limit - b.buf.Len()
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.buf.WriteString(truncationMarker)
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string { return b.buf.String() }

func writePlanOutputs(tc *TaskContext) error {
	dir := filepath.Join(tc.Workspace, ".kiso")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create .kiso dir: %w", err)
	}
	data, err := json.Marshal(tc.PlanOutputs)
	if err != nil {
		return fmt.Errorf("marshal plan outputs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plan_outputs.json"), data, 0o600); err != nil {
		return fmt.Errorf("write plan_outputs.json: %w", err)
	}
	return nil
}

func ensureDir(path string, sandboxUID int) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if sandboxUID > 0 {
		_ = os.Chown(path, sandboxUID, sandboxUID)
	}
	return nil
}

func listFiles(dir string) map[string]bool {
	entries, _ := os.ReadDir(dir)
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out
}

func appendPubLinks(output string, tc *TaskContext, pubDir string, preexisting map[string]bool) string {
	entries, _ := os.ReadDir(pubDir)
	var links []string
	for _, e := range entries {
		if e.IsDir() || preexisting[e.Name()] {
			continue
		}
		token := pubtoken.New(tc.ServerSecret, tc.Session, e.Name())
		links = append(links, fmt.Sprintf("/pub/%s/%s", token, e.Name()))
	}
	if len(links) == 0 {
		return output
	}
	return output + "\n\npublished files:\n" + strings.Join(links, "\n")
}

func fenceOutput(tc *TaskContext, output string) string {
	sanitized := sanitize.Sanitize(output, tc.Secrets.All())
	token, err := sanitize.NewToken()
	if err != nil {
		return sanitized
	}
	return sanitize.Fence(sanitized, token)
}

var _ io.Writer = (*limitedBuffer)(nil)
