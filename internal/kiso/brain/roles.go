package brain

// Roles bundles one instance of every role so callers that need several
// (the worker, task handlers) can carry a single value instead of nine.
type Roles struct {
	Classifier        *Classifier
	Planner           *Planner
	ExecTranslator    *ExecTranslator
	Reviewer          *Reviewer
	Searcher          *Searcher
	Messenger         *Messenger
	Curator           *Curator
	SessionSummarizer *SessionSummarizer
	FactsSummarizer   *FactsSummarizer
	Paraphraser       *Paraphraser
}
