package handlers

import (
	"context"
	"log/slog"

	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/webhook"
)

// MsgHandler composes a user-facing reply and, when a webhook is
// registered for the session, delivers it.
type MsgHandler struct{}

// NewMsgHandler returns a MsgHandler.
func NewMsgHandler() *MsgHandler { return &MsgHandler{} }

func (h *MsgHandler) Handle(ctx context.Context, tc *TaskContext, task *store.Task) (TaskResult, error) {
	_ = tc.Store.UpdateTaskSubstatus(task.ID, "composing")

	facts, err := tc.Store.GetFacts(tc.Session, false)
	if err != nil {
		return TaskResult{}, err
	}
	factStrings := make([]string, 0, len(facts))
	for _, f := range facts {
		factStrings = append(factStrings, f.Content)
	}

	session, err := tc.Store.GetSession(tc.Session)
	if err != nil {
		return TaskResult{}, err
	}

	outputs := make([]string, 0, len(tc.PlanOutputs))
	for _, o := range tc.PlanOutputs {
		outputs = append(outputs, o.Output)
	}

	content, err := tc.Brain.Messenger.Compose(ctx, brain.MessengerVars{
		Goal:           tc.Goal,
		Detail:         task.Detail,
		Facts:          factStrings,
		SessionSummary: session.Summary,
		FencedOutputs:  fenceOutput(tc, joinOutputs(outputs)),
	})
	if err != nil {
		return TaskResult{}, err
	}

	if tc.Webhook != nil && session.WebhookURL.Valid && session.WebhookURL.String != "" {
		payload := webhook.Payload{
			Session: tc.Session,
			TaskID:  task.ID,
			Type:    "msg",
			Content: content,
			Final:   tc.FinalMsg,
		}
		if err := tc.Webhook.Deliver(ctx, session.WebhookURL.String, tc.WebhookSecret, payload); err != nil {
			slog.Warn("webhook delivery failed, msg remains available via polling",
				"session", tc.Session, "task_id", task.ID, "err", err)
		}
	}

	return TaskResult{Success: true, Output: content}, nil
}

func joinOutputs(outputs []string) string {
	out := ""
	for i, o := range outputs {
		if i > 0 {
			out += "\n---\n"
		}
		out += o
	}
	return out
}
