// Package knowledge runs the curator cycle the worker triggers after each
// message: learning promotion, session summarization, and fact
// consolidation with decay and archival.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kiso-run/kiso/internal/kiso/brain"
	"github.com/kiso-run/kiso/internal/kiso/store"
)

// Config governs the thresholds from spec.md §4.5.
type Config struct {
	SummarizeThreshold        int
	KnowledgeMaxFacts         int
	FactConsolidationMinRatio float64
	FactDecayDays             int
	FactDecayRate             float64
	FactArchiveThreshold      float64
}

// DefaultConfig matches the defaults named in the spec.
func DefaultConfig() Config {
	return Config{
		SummarizeThreshold:        20,
		KnowledgeMaxFacts:         500,
		FactConsolidationMinRatio: 0.30,
		FactDecayDays:             30,
		FactDecayRate:             0.1,
		FactArchiveThreshold:      0.3,
	}
}

// Curator runs the post-message knowledge cycle.
type Curator struct {
	store             *store.Store
	cfg               Config
	curator           *brain.Curator
	sessionSummarizer *brain.SessionSummarizer
	factsSummarizer   *brain.FactsSummarizer
}

// New returns a Curator wired to the store and the three brain roles it
// drives.
func New(st *store.Store, cfg Config, curator *brain.Curator, sessionSummarizer *brain.SessionSummarizer, factsSummarizer *brain.FactsSummarizer) *Curator {
	return &Curator{
		store:             st,
		cfg:               cfg,
		curator:           curator,
		sessionSummarizer: sessionSummarizer,
		factsSummarizer:   factsSummarizer,
	}
}

// RunAfterMessage executes, in order: learning promotion (curator),
// session summarization (if threshold), and fact consolidation (if
// threshold). Each step is independent; a failure in one does not block
// the others, and every error is returned joined so the worker can log
// all of them.
func (c *Curator) RunAfterMessage(ctx context.Context, session string) error {
	var errs []error

	if err := c.promoteLearnings(ctx, session); err != nil {
		errs = append(errs, fmt.Errorf("promote learnings: %w", err))
	}

	if err := c.maybeSummarizeSession(ctx, session); err != nil {
		errs = append(errs, fmt.Errorf("summarize session: %w", err))
	}

	if err := c.maybeConsolidateFacts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("consolidate facts: %w", err))
	}

	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Error())
	}
	return fmt.Errorf("knowledge cycle errors: %s", strings.Join(messages, "; "))
}

// promoteLearnings runs the curator over every pending learning and, per
// evaluation, persists a fact (promote), a session-scoped pending item
// (ask), or marks the learning discarded.
func (c *Curator) promoteLearnings(ctx context.Context, session string) error {
	pending, err := c.store.PendingLearnings()
	if err != nil {
		return fmt.Errorf("load pending learnings: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	candidates := make([]brain.LearningCandidate, 0, len(pending))
	bySessionUser := make(map[int64]store.Learning, len(pending))
	for _, l := range pending {
		candidates = append(candidates, brain.LearningCandidate{ID: l.ID, Content: l.Content})
		bySessionUser[l.ID] = l
	}

	result, err := c.curator.Evaluate(ctx, candidates)
	if err != nil {
		return fmt.Errorf("run curator: %w", err)
	}

	for _, eval := range result.Evaluations {
		l, ok := bySessionUser[eval.LearningID]
		if !ok {
			continue
		}
		switch eval.Verdict {
		case brain.VerdictPromote:
			if _, err := c.store.SaveFact(eval.Fact, store.FactSourceCurator, l.Session, store.CategoryGeneral, 0.7); err != nil {
				return fmt.Errorf("save promoted fact: %w", err)
			}
			if err := c.store.ResolveLearning(eval.LearningID, store.LearningPromoted); err != nil {
				return fmt.Errorf("resolve learning %d: %w", eval.LearningID, err)
			}
		case brain.VerdictAsk:
			if _, err := c.store.SavePendingItem(eval.Question, l.Session, store.FactSourceCurator); err != nil {
				return fmt.Errorf("save pending item: %w", err)
			}
			if err := c.store.ResolveLearning(eval.LearningID, store.LearningDiscarded); err != nil {
				return fmt.Errorf("resolve learning %d: %w", eval.LearningID, err)
			}
		case brain.VerdictDiscard:
			if err := c.store.ResolveLearning(eval.LearningID, store.LearningDiscarded); err != nil {
				return fmt.Errorf("resolve learning %d: %w", eval.LearningID, err)
			}
		}
	}
	return nil
}

// maybeSummarizeSession overwrites sessions.summary when the raw message
// count since the last summarization reaches SummarizeThreshold.
//
// This is gated on sessions.messages_since_summary, not on the processed
// flag messages carry: a single worker drains a session's queue strictly
// FIFO, marking each message processed at the end of its own cycle, so
// GetUnprocessedMessages never has more than the one currently in flight —
// that count can never reach a multi-message threshold.
func (c *Curator) maybeSummarizeSession(ctx context.Context, session string) error {
	sess, err := c.store.GetSession(session)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.MessagesSinceSummary < c.cfg.SummarizeThreshold {
		return nil
	}

	recentMessages, err := c.store.GetRecentMessages(session, sess.MessagesSinceSummary)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	recent := make([]brain.RecentMessage, 0, len(recentMessages))
	for _, m := range recentMessages {
		recent = append(recent, brain.RecentMessage{Role: m.Role, Content: m.Content})
	}

	summary, err := c.sessionSummarizer.Summarize(ctx, brain.SessionSummarizerVars{
		CurrentSummary: sess.Summary,
		NewMessages:    recent,
	})
	if err != nil {
		return fmt.Errorf("run session summarizer: %w", err)
	}

	return c.store.UpdateSessionSummary(session, summary)
}

// maybeConsolidateFacts runs the facts summarizer when the fact count
// exceeds KnowledgeMaxFacts, applying the safety gates from spec.md §4.5
// before replacing the table.
func (c *Curator) maybeConsolidateFacts(ctx context.Context) error {
	count, err := c.store.CountFacts()
	if err != nil {
		return fmt.Errorf("count facts: %w", err)
	}
	if count <= c.cfg.KnowledgeMaxFacts {
		return c.decayAndArchive()
	}

	current, err := c.store.GetFacts("", true)
	if err != nil {
		return fmt.Errorf("load facts: %w", err)
	}

	candidates := make([]brain.FactCandidate, 0, len(current))
	provenance := make(map[string]store.Fact, len(current))
	for _, f := range current {
		candidates = append(candidates, brain.FactCandidate{Content: f.Content, Category: f.Category, Confidence: f.Confidence})
		if f.Session.Valid {
			provenance[f.Content] = f
		}
	}

	consolidated, err := c.factsSummarizer.Consolidate(ctx, brain.FactsSummarizerVars{Facts: candidates})
	if err != nil {
		return fmt.Errorf("run facts summarizer: %w", err)
	}

	if float64(len(consolidated)) < c.cfg.FactConsolidationMinRatio*float64(len(current)) {
		// Safety gate: consolidation collapsed too aggressively, likely
		// hallucinated. Abort and keep the originals.
		return nil
	}

	replacement := make([]store.Fact, 0, len(consolidated))
	for _, entry := range consolidated {
		content := strings.TrimSpace(entry.Content)
		if len(content) < 3 {
			continue
		}
		confidence := clamp(entry.Confidence, 0.0, 1.0)

		fact := store.Fact{
			Content:    content,
			Source:     store.FactSourceSummarizer,
			Category:   entry.Category,
			Confidence: confidence,
		}
		// Preserve provenance session when the original fact carried one;
		// never silently globalize a user-scoped fact.
		if prior, ok := provenance[entry.Content]; ok {
			fact.Session = prior.Session
		}
		replacement = append(replacement, fact)
	}

	if err := c.store.ReplaceAllFacts(replacement); err != nil {
		return fmt.Errorf("replace facts: %w", err)
	}

	return c.decayAndArchive()
}

func (c *Curator) decayAndArchive() error {
	maxAge := time.Duration(c.cfg.FactDecayDays) * 24 * time.Hour
	if _, err := c.store.DecayFacts(maxAge, c.cfg.FactDecayRate); err != nil {
		return fmt.Errorf("decay facts: %w", err)
	}
	if _, err := c.store.ArchiveLowConfidenceFacts(c.cfg.FactArchiveThreshold); err != nil {
		return fmt.Errorf("archive low-confidence facts: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
