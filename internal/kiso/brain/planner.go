package brain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiso-run/kiso/internal/kiso/argschema"
	"github.com/kiso-run/kiso/internal/kiso/llmgateway"
)

// Planner task types understood by the worker and task handlers.
const (
	TaskExec    = "exec"
	TaskSkill   = "skill"
	TaskSearch  = "search"
	TaskMsg     = "msg"
	TaskReplan  = "replan"
)

// PlanTask is one entry of a planner response's "tasks" array.
type PlanTask struct {
	Type   string          `json:"type"`
	Detail string          `json:"detail"`
	Skill  string          `json:"skill,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Expect *string         `json:"expect"`
}

// PlanOutput is the validated structured output of one planner call.
type PlanOutput struct {
	Goal         string            `json:"goal"`
	Secrets      map[string]string `json:"secrets,omitempty"`
	Tasks        []PlanTask        `json:"tasks"`
	ExtendReplan *int              `json:"extend_replan,omitempty"`
}

// SkillInfo describes one discovered skill available to the planner.
type SkillInfo struct {
	Name           string
	ArgsSchemaJSON string
	ArgsSchema     map[string]any
}

// RecentMessage is one prior chat turn shown to the planner.
type RecentMessage struct {
	Role    string
	Content string
}

// ReplanAttempt summarizes one prior plan in a replan chain.
type ReplanAttempt struct {
	Goal    string
	Failure string
}

// SystemEnv describes the exec environment shown to the planner.
type SystemEnv struct {
	OS             string
	Binaries       string
	Workdir        string
	WorkspaceFiles string
	RegistryURL    string
	BlockedHints   string
	MaxTasks       int
	MaxReplanDepth int
}

// PlannerInput is everything the planner prompt needs.
type PlannerInput struct {
	SessionSummary       string
	FactsByCategory      map[string][]string
	PendingItems         []string
	RecentMessages       []RecentMessage
	RecentOutputs        []string
	Skills               []SkillInfo
	SystemEnv            SystemEnv
	ParaphrasedUntrusted []string
	ReplanHistory        []ReplanAttempt
	PriorError           string
}

var planSchema = map[string]any{
	"type":     "object",
	"required": []any{"goal", "tasks"},
	"properties": map[string]any{
		"goal": map[string]any{"type": "string"},
		"secrets": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		},
		"tasks": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []any{"type", "detail"},
				"properties": map[string]any{
					"type":   map[string]any{"type": "string"},
					"detail": map[string]any{"type": "string"},
					"skill":  map[string]any{"type": "string"},
				},
			},
		},
		"extend_replan": map[string]any{"type": "integer"},
	},
}

// Planner emits and validates a task plan for one message.
type Planner struct {
	gateway *llmgateway.Gateway
	prompts *PromptRegistry
	maxRetries int
}

// NewPlanner returns a Planner backed by gateway and prompts, retrying a
// failed validation up to maxRetries times with a targeted error message.
func NewPlanner(gateway *llmgateway.Gateway, prompts *PromptRegistry, maxRetries int) *Planner {
	return &Planner{gateway: gateway, prompts: prompts, maxRetries: maxRetries}
}

// Plan calls the planner role, validating the semantic rules from the
// component design (expect presence, last-task shape, skill existence and
// args schema, non-empty tasks, extend_replan range) and retrying with a
// targeted error appended to the prompt on violation.
func (p *Planner) Plan(ctx context.Context, input PlannerInput, knownSkills map[string]SkillInfo) (*PlanOutput, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		input.PriorError = ""
		if lastErr != nil {
			input.PriorError = lastErr.Error()
		}

		system, err := p.prompts.Render("planner", input)
		if err != nil {
			return nil, fmt.Errorf("brain: render planner prompt: %w", err)
		}

		result, err := p.gateway.Call(ctx, llmgateway.CallRequest{
			RoleName: "planner",
			Messages: []llmgateway.Message{
				{Role: llmgateway.RoleSystem, Content: system},
				{Role: llmgateway.RoleUser, Content: input.SessionSummary},
			},
			Schema: planSchema,
		})
		if err != nil {
			lastErr = err
			continue
		}

		var out PlanOutput
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			lastErr = fmt.Errorf("planner response is not valid JSON: %w", err)
			continue
		}

		if err := validatePlan(&out, knownSkills); err != nil {
			lastErr = err
			continue
		}

		return &out, nil
	}
	return nil, fmt.Errorf("brain: planner validation failed after %d retries: %w", p.maxRetries, lastErr)
}

func validatePlan(out *PlanOutput, knownSkills map[string]SkillInfo) error {
	if len(out.Tasks) == 0 {
		return fmt.Errorf("tasks must be non-empty")
	}

	for i, t := range out.Tasks {
		switch t.Type {
		case TaskExec, TaskSkill, TaskSearch:
			if t.Expect == nil || *t.Expect == "" {
				return fmt.Errorf("task %d (%s) requires a non-null expect", i, t.Type)
			}
		case TaskMsg, TaskReplan:
			if t.Expect != nil && *t.Expect != "" {
				return fmt.Errorf("task %d (%s) must have a null expect", i, t.Type)
			}
		default:
			return fmt.Errorf("task %d has unknown type %q", i, t.Type)
		}

		if t.Type == TaskReplan && i != len(out.Tasks)-1 {
			return fmt.Errorf("task %d: replan is only ever the last task", i)
		}

		if t.Type == TaskSkill {
			skill, ok := knownSkills[t.Skill]
			if !ok {
				return fmt.Errorf("task %d references unknown skill %q", i, t.Skill)
			}
			if err := validateSkillArgs(skill, t.Args); err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
		}
	}

	last := out.Tasks[len(out.Tasks)-1]
	if last.Type != TaskMsg && last.Type != TaskReplan {
		return fmt.Errorf("last task must be msg or replan, got %q", last.Type)
	}

	if out.ExtendReplan != nil && (*out.ExtendReplan < 1 || *out.ExtendReplan > 3) {
		return fmt.Errorf("extend_replan must be between 1 and 3, got %d", *out.ExtendReplan)
	}

	return nil
}

const (
	maxArgsBytes = 64 * 1024
	maxArgsDepth = 5
)

func validateSkillArgs(skill SkillInfo, args json.RawMessage) error {
	if len(args) > maxArgsBytes {
		return fmt.Errorf("skill %q args exceed %d bytes", skill.Name, maxArgsBytes)
	}
	if len(args) == 0 {
		args = []byte("{}")
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("skill %q args are not valid JSON: %w", skill.Name, err)
	}
	if depth := jsonDepth(decoded, 0); depth > maxArgsDepth {
		return fmt.Errorf("skill %q args nest %d levels deep, max is %d", skill.Name, depth, maxArgsDepth)
	}

	if err := argschema.Validate(skill.ArgsSchema, args); err != nil {
		return fmt.Errorf("skill %q args: %w", skill.Name, err)
	}

	return nil
}

func jsonDepth(v any, current int) int {
	switch typed := v.(type) {
	case map[string]any:
		max := current
		for _, child := range typed {
			if d := jsonDepth(child, current+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := current
		for _, child := range typed {
			if d := jsonDepth(child, current+1); d > max {
				max = d
			}
		}
		return max
	default:
		return current
	}
}
