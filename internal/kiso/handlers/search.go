package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// searchArgs is the expected shape of a search task's args column.
type searchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	Lang       string `json:"lang"`
	Country    string `json:"country"`
}

// SearchHandler runs a web search via the searcher role and reviews the
// result exactly like an exec task. A failed search or a replan verdict
// carries a RetryHint, but neither this handler nor the worker retries the
// search; the failure goes straight to a plan-level replan.
type SearchHandler struct{}

// NewSearchHandler returns a SearchHandler.
func NewSearchHandler() *SearchHandler { return &SearchHandler{} }

func (h *SearchHandler) Handle(ctx context.Context, tc *TaskContext, task *store.Task) (TaskResult, error) {
	args := searchArgs{Query: task.Detail, MaxResults: 10}
	if task.Args.Valid {
		if err := json.Unmarshal([]byte(task.Args.String), &args); err != nil {
			slog.Warn("search task args malformed, using defaults", "task_id", task.ID, "err", err)
			args = searchArgs{Query: task.Detail, MaxResults: 10}
		}
	}

	_ = tc.Store.UpdateTaskSubstatus(task.ID, "searching")
	out, err := tc.Brain.Searcher.Search(ctx, brain.SearcherVars{
		Query:      args.Query,
		MaxResults: args.MaxResults,
		Lang:       args.Lang,
		Country:    args.Country,
	})
	if err != nil {
		return TaskResult{Success: false, Output: "search failed: " + err.Error(), RetryHint: "refine the query"}, nil
	}

	output := out.Summary
	if len(out.Sources) > 0 {
		output += "\n\nsources:\n" + strings.Join(out.Sources, "\n")
	}

	_ = tc.Store.UpdateTaskSubstatus(task.ID, "reviewing")
	review, err := tc.Brain.Reviewer.Review(ctx, brain.ReviewerVars{
		Goal:         tc.Goal,
		Detail:       task.Detail,
		Expect:       task.Expect.String,
		FencedOutput: fenceOutput(tc, output),
	})
	if err != nil {
		return TaskResult{}, err
	}

	for _, l := range review.Learn {
		_, _ = tc.Store.SaveLearning(l, tc.Session, "")
	}

	if review.Status == brain.VerdictReplan {
		return TaskResult{Success: false, Output: output, ReplanReason: review.Reason, RetryHint: "refine the search query"}, nil
	}
	return TaskResult{Success: true, Output: output}, nil
}
