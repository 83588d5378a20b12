// Package handlers implements the four task handlers (exec, skill, search,
// msg) that a plan's tasks dispatch through. Each handler receives a
// TaskContext carrying everything it needs and returns a TaskResult; the
// worker owns sequencing and replan escalation. The only local retry is
// the exec handler's own, bounded by max_worker_retries.
package handlers

import (
	"context"

	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
	"github.com/kiso-run/kiso/internal/kiso/policy"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/webhook"
)

// SkillManifest describes one discovered skill directory.
type SkillManifest struct {
	Name           string
	Path           string
	ArgsSchema     map[string]any
	SessionSecrets []string
}

// PlanOutputEntry is one accumulated task result chained into later tasks'
// context and written to <workspace>/.kiso/plan_outputs.json.
type PlanOutputEntry struct {
	TaskID int64  `json:"task_id"`
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Output string `json:"output"`
}

// TaskContext carries everything a handler needs to run one task. It is
// assembled once per plan by the worker and threaded through every task.
type TaskContext struct {
	Store         *store.Store
	Config        *config.Config
	Session       string
	PlanID        int64
	Goal          string
	Workspace     string
	PlanOutputs   []PlanOutputEntry
	Secrets       *secrets.Map
	Cancel        <-chan struct{}
	AllowedSkills map[string]SkillManifest
	Gateway       *llmgateway.Gateway
	Brain         *brain.Roles
	Policy        *policy.Engine
	Webhook       *webhook.Deliverer
	WebhookURL    string
	WebhookSecret string
	ServerSecret  string
	// FinalMsg is set by the worker before dispatching the last msg task of
	// the terminal plan in a replan chain, so the msg handler can stamp the
	// delivered webhook payload's final flag without tracking plan state.
	FinalMsg bool
}

// TaskResult is a handler's verdict on one task.
type TaskResult struct {
	Success      bool
	Output       string
	ReplanReason string
	RetryHint    string
}

// Handler executes one task type.
type Handler interface {
	Handle(ctx context.Context, tc *TaskContext, task *store.Task) (TaskResult, error)
}

// Dispatch maps a store.Task.Type to the Handler that runs it. TaskReplan
// is deliberately absent: the worker handles replan as a pseudo-task
// directly and never looks it up here.
func Dispatch(exec, skill, search, msg Handler) map[string]Handler {
	return map[string]Handler{
		store.TaskExec:   exec,
		store.TaskSkill:  skill,
		store.TaskSearch: search,
		store.TaskMsg:    msg,
	}
}
