package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kiso-run/kiso/internal/kiso/audit"
	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/handlers"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/webhook"
)

const recentMessageWindow = 10

// ensureWorkspace creates <sessions-root>/<session>/, its .kiso/ and pub/
// subdirectories, chowns them to the sandbox uid when configured, and
// locks the workspace root down to 0700.
func (w *Worker) ensureWorkspace(cfg *config.Config) (string, error) {
	workspace := filepath.Join(w.deps.SessionsRoot, w.session)
	for _, dir := range []string{workspace, filepath.Join(workspace, ".kiso"), filepath.Join(workspace, "pub")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
		if cfg.SandboxUID > 0 {
			_ = os.Chown(dir, cfg.SandboxUID, cfg.SandboxUID)
		}
	}
	if err := os.Chmod(workspace, 0o700); err != nil {
		return "", fmt.Errorf("chmod workspace %s: %w", workspace, err)
	}
	return workspace, nil
}

// userAllowed re-checks msg.User against the live config's alias table.
// An empty user (e.g. a bare-session CLI caller with no connector
// identity) is always allowed; aliasing only gates connector-attributed
// messages.
func (w *Worker) userAllowed(cfg *config.Config, user string) bool {
	if user == "" {
		return true
	}
	_, ok := cfg.Aliases[user]
	return ok
}

// createChatPlan builds a single synthetic msg task for the fast path, so
// every processed message still has a plan row for CLI/status compatibility.
func (w *Worker) createChatPlan(msg Message) (int64, []store.Task, error) {
	planID, err := w.deps.Store.CreatePlan(w.session, msg.ID, nil, "chat reply", 0)
	if err != nil {
		return 0, nil, fmt.Errorf("create chat plan: %w", err)
	}
	taskID, err := w.deps.Store.CreateTask(planID, w.session, 0, store.TaskMsg, msg.Content, "", "", "")
	if err != nil {
		return 0, nil, fmt.Errorf("create chat task: %w", err)
	}
	task, err := w.deps.Store.GetTask(taskID)
	if err != nil {
		return 0, nil, err
	}
	return planID, []store.Task{*task}, nil
}

// runPlanner assembles PlannerInput from session state, calls the planner
// role, persists the resulting plan and tasks, and returns the fact ids
// shown to the planner so the caller can update their usage once the plan
// completes successfully.
func (w *Worker) runPlanner(ctx context.Context, cfg *config.Config, msg Message, sess *store.Session, workspace string, skillManifests map[string]handlers.SkillManifest, skillInfos map[string]brain.SkillInfo, req planRequest, extendReplan int) (int64, []store.Task, []int64, error) {
	facts, err := w.deps.Store.SearchFacts(msg.Content, w.session, false, 40)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("search facts: %w", err)
	}
	factsByCategory := make(map[string][]string)
	factIDs := make([]int64, 0, len(facts))
	for _, f := range facts {
		factsByCategory[f.Category] = append(factsByCategory[f.Category], f.Content)
		factIDs = append(factIDs, f.ID)
	}

	pendingItems, err := w.deps.Store.PendingItemsForScope(w.session)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("load pending items: %w", err)
	}
	pending := make([]string, 0, len(pendingItems))
	for _, p := range pendingItems {
		pending = append(pending, p.Content)
	}

	recent, err := w.recentMessages()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("load recent messages: %w", err)
	}

	skillList := make([]brain.SkillInfo, 0, len(skillInfos))
	for _, s := range skillInfos {
		skillList = append(skillList, s)
	}

	env := w.deps.SystemEnv
	env.Workdir = workspace
	env.MaxReplanDepth = cfg.MaxReplanDepth + extendReplan

	input := brain.PlannerInput{
		SessionSummary:  sess.Summary,
		FactsByCategory: factsByCategory,
		PendingItems:    pending,
		RecentMessages:  recent,
		Skills:          skillList,
		SystemEnv:       env,
		ReplanHistory:   req.replanHistory,
	}

	out, err := w.brain.Planner.Plan(ctx, input, skillInfos)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("planner: %w", err)
	}

	if len(out.Secrets) > 0 {
		w.secrets.SetAll(out.Secrets)
		slog.Info("planner extracted ephemeral secrets", "session", w.session, "count", len(out.Secrets))
	}

	depth := req.replanDepth
	planID, err := w.deps.Store.CreatePlan(w.session, msg.ID, req.parentID, out.Goal, depth)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create plan: %w", err)
	}

	tasks := make([]store.Task, 0, len(out.Tasks))
	for i, t := range out.Tasks {
		expect := ""
		if t.Expect != nil {
			expect = *t.Expect
		}
		args := ""
		if len(t.Args) > 0 {
			args = string(t.Args)
		}
		taskID, err := w.deps.Store.CreateTask(planID, w.session, i, t.Type, t.Detail, t.Skill, args, expect)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("create task %d: %w", i, err)
		}
		task, err := w.deps.Store.GetTask(taskID)
		if err != nil {
			return 0, nil, nil, err
		}
		tasks = append(tasks, *task)
	}

	if w.deps.AuditLog != nil {
		w.deps.AuditLog.Log(ctx, audit.Event{Kind: audit.KindPlanCreated, Session: w.session, Message: out.Goal})
	}

	if out.ExtendReplan != nil && *out.ExtendReplan > extendReplan {
		extendReplan = *out.ExtendReplan
	}

	return planID, tasks, factIDs, nil
}

// recentMessages returns the last recentMessageWindow messages for the
// session's rolling chat context, oldest first.
func (w *Worker) recentMessages() ([]brain.RecentMessage, error) {
	all, err := w.deps.Store.GetRecentMessages(w.session, recentMessageWindow)
	if err != nil {
		return nil, err
	}
	out := make([]brain.RecentMessage, 0, len(all))
	for _, m := range all {
		out = append(out, brain.RecentMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// executePlan runs tasks strictly in index order, persisting each result
// and escalating to a replan the moment a non-msg task fails.
func (w *Worker) executePlan(ctx context.Context, cfg *config.Config, planID int64, tasks []store.Task, sess *store.Session, workspace string, skillManifests map[string]handlers.SkillManifest, msg Message, factIDs []int64, req planRequest, extendReplan int) {
	tc := &handlers.TaskContext{
		Store:         w.deps.Store,
		Config:        cfg,
		Session:       w.session,
		PlanID:        planID,
		Workspace:     workspace,
		Secrets:       w.secrets,
		Cancel:        w.cancelChan(),
		AllowedSkills: skillManifests,
		Gateway:       w.gateway,
		Brain:         w.brain,
		Policy:        w.deps.Policy,
		Webhook:       w.deps.Webhook,
		WebhookURL:    sess.WebhookURL.String,
		WebhookSecret: w.deps.WebhookSecret,
		ServerSecret:  w.deps.ServerSecret,
	}

	if plan, err := w.deps.Store.GetPlan(planID); err == nil {
		tc.Goal = plan.Goal
	}

	for i := range tasks {
		task := &tasks[i]

		if w.cancelFlag.Load() {
			w.handleCancel(ctx, planID)
			return
		}
		if w.budgetHit.Load() {
			w.failBudget(ctx, planID, msg)
			return
		}

		_ = w.deps.Store.UpdateTaskUsage(task.ID, store.TaskRunning)

		if task.Type == store.TaskReplan {
			w.escalateReplan(ctx, cfg, msg, sess, workspace, skillManifests, planID, "planner emitted a replan task", req, extendReplan)
			return
		}

		h, ok := w.deps.Handlers[task.Type]
		if !ok {
			_ = w.deps.Store.UpdateTask(task.ID, store.TaskFailed, "no handler registered for task type "+task.Type, "")
			w.escalateReplan(ctx, cfg, msg, sess, workspace, skillManifests, planID, "unknown task type "+task.Type, req, extendReplan)
			return
		}

		tc.FinalMsg = task.Type == store.TaskMsg && i == len(tasks)-1
		w.attribution.setTask(task.ID)
		result, err := h.Handle(ctx, tc, task)
		w.attribution.clearTask()

		if err != nil {
			_ = w.deps.Store.UpdateTask(task.ID, store.TaskFailed, sanitizeErr(err), "")
			w.logTaskFailed(ctx, err.Error())
			w.escalateReplan(ctx, cfg, msg, sess, workspace, skillManifests, planID, "task execution error: "+err.Error(), req, extendReplan)
			return
		}

		status := store.TaskDone
		if !result.Success {
			status = store.TaskFailed
		}
		_ = w.deps.Store.UpdateTask(task.ID, status, result.Output, "")

		if task.Type != store.TaskMsg {
			verdict := store.ReviewOK
			if !result.Success {
				verdict = store.ReviewReplan
			}
			_ = w.deps.Store.UpdateTaskReview(task.ID, verdict, result.ReplanReason, "")
		}

		if !result.Success {
			w.logTaskFailed(ctx, result.ReplanReason)
			w.escalateReplan(ctx, cfg, msg, sess, workspace, skillManifests, planID, result.ReplanReason, req, extendReplan)
			return
		}

		tc.PlanOutputs = append(tc.PlanOutputs, handlers.PlanOutputEntry{
			TaskID: task.ID,
			Type:   task.Type,
			Detail: task.Detail,
			Output: result.Output,
		})
	}

	_ = w.deps.Store.UpdatePlanStatus(planID, store.PlanDone)
	if len(factIDs) > 0 {
		_ = w.deps.Store.UpdateFactUsage(factIDs)
	}
}

func (w *Worker) logTaskFailed(ctx context.Context, reason string) {
	if w.deps.AuditLog != nil {
		w.deps.AuditLog.Log(ctx, audit.Event{Kind: audit.KindTaskFailed, Session: w.session, Message: reason})
	}
}

// cancelChan returns a channel the handlers package treats as "cancel
// requested" once closed. Since cancelFlag is a poll-only atomic, this
// channel is only meaningful at the instant it is read by a handler that
// itself selects on it (currently only the exec handler, to decide whether
// to still record output from a subprocess that finished after cancel).
func (w *Worker) cancelChan() <-chan struct{} {
	ch := make(chan struct{})
	if w.cancelFlag.Load() {
		close(ch)
	}
	return ch
}

// handleCancel marks every remaining task cancelled, the plan cancelled,
// and delivers a cancel summary counting what finished versus what was
// skipped.
func (w *Worker) handleCancel(ctx context.Context, planID int64) {
	cancelledCount, err := w.deps.Store.CancelPendingTasks(planID)
	if err != nil {
		slog.Warn("cancel pending tasks failed", "session", w.session, "plan_id", planID, "err", err)
	}
	_ = w.deps.Store.UpdatePlanStatus(planID, store.PlanCancelled)

	if w.deps.AuditLog != nil {
		w.deps.AuditLog.Log(ctx, audit.Event{Kind: audit.KindPlanCancelled, Session: w.session, Message: "cancelled by user request"})
	}

	tasks, err := w.deps.Store.GetTasksForPlan(planID)
	completed := 0
	if err == nil {
		for _, t := range tasks {
			if t.Status == store.TaskDone {
				completed++
			}
		}
	}

	summary := fmt.Sprintf("this request was cancelled: %d step(s) completed, %d step(s) skipped.", completed, cancelledCount)
	w.deliverSystemMessage(ctx, summary)
}

// failBudget fails the in-flight plan with a budget-exceeded message and
// delivers it, matching the "a message never vanishes" contract.
func (w *Worker) failBudget(ctx context.Context, planID int64, msg Message) {
	_, _ = w.deps.Store.CancelPendingTasks(planID)
	_ = w.deps.Store.UpdatePlanStatus(planID, store.PlanFailed)
	w.deliverSystemMessage(ctx, "this request used up its LLM call budget before finishing; try asking again in smaller steps.")
	_ = msg
}

// escalateReplan closes out the failed plan and, unless the replan depth
// cap (base + planner-requested extension, max +3) has been reached,
// recurses into a fresh plan carrying the failed plan's goal and failure
// reason as replan history context. The completed and remaining tasks of
// the failed plan are not passed on.
func (w *Worker) escalateReplan(ctx context.Context, cfg *config.Config, msg Message, sess *store.Session, workspace string, skillManifests map[string]handlers.SkillManifest, planID int64, reason string, req planRequest, extendReplan int) {
	_, _ = w.deps.Store.CancelPendingTasks(planID)
	_ = w.deps.Store.UpdatePlanStatus(planID, store.PlanFailed)

	plan, err := w.deps.Store.GetPlan(planID)
	depth := req.replanDepth
	goal := ""
	if err == nil {
		depth = plan.ReplanDepth
		goal = plan.Goal
	}

	if extendReplan > 3 {
		extendReplan = 3
	}
	maxDepth := cfg.MaxReplanDepth + extendReplan

	if depth+1 > maxDepth {
		if w.deps.AuditLog != nil {
			w.deps.AuditLog.Log(ctx, audit.Event{Kind: audit.KindPlanFailed, Session: w.session, Message: reason})
		}
		w.deliverSystemMessage(ctx, "this request could not be completed after several attempts: "+reason)
		return
	}

	if w.deps.AuditLog != nil {
		w.deps.AuditLog.Log(ctx, audit.Event{Kind: audit.KindPlanReplanned, Session: w.session, Message: reason})
	}

	nextReq := planRequest{
		parentID:    &planID,
		replanDepth: depth + 1,
		replanHistory: append(append([]brain.ReplanAttempt{}, req.replanHistory...), brain.ReplanAttempt{
			Goal:    goal,
			Failure: reason,
		}),
	}

	skillInfos := skillInfosFromManifests(skillManifests)
	w.runCycle(ctx, cfg, msg, workspace, skillManifests, skillInfos, nextReq, extendReplan)
}

// deliverSystemMessage composes no further LLM content: it persists a
// one-task recovery plan, marks it done, and delivers it through the
// webhook exactly like any other msg task, so a failure is never silent.
func (w *Worker) deliverSystemMessage(ctx context.Context, content string) {
	msgID, err := w.deps.Store.SaveMessage(w.session, "", store.RoleSystem, content, true)
	if err != nil {
		slog.Error("save recovery message failed", "session", w.session, "err", err)
		return
	}
	planID, err := w.deps.Store.CreatePlan(w.session, msgID, nil, "system notice", 0)
	if err != nil {
		slog.Error("create recovery plan failed", "session", w.session, "err", err)
		return
	}
	taskID, err := w.deps.Store.CreateTask(planID, w.session, 0, store.TaskMsg, content, "", "", "")
	if err != nil {
		slog.Error("create recovery task failed", "session", w.session, "err", err)
		return
	}
	_ = w.deps.Store.UpdateTask(taskID, store.TaskDone, content, "")
	_ = w.deps.Store.UpdatePlanStatus(planID, store.PlanDone)
	_ = w.deps.Store.MarkMessageProcessed(msgID)

	sess, err := w.deps.Store.GetSession(w.session)
	if err != nil || w.deps.Webhook == nil || !sess.WebhookURL.Valid || sess.WebhookURL.String == "" {
		return
	}
	payload := webhook.Payload{Session: w.session, TaskID: taskID, Type: "msg", Content: content, Final: true}
	if err := w.deps.Webhook.Deliver(ctx, sess.WebhookURL.String, w.deps.WebhookSecret, payload); err != nil {
		slog.Warn("webhook delivery failed for system message", "session", w.session, "err", err)
	}
}
