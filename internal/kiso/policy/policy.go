// Package policy evaluates whether a translated shell command is permitted
// to run. Unlike a capability allow-list, Kiso's exec policy is a fixed
// deny-list: anything not matched is allowed, and the first matching rule
// wins.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of evaluating one command.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionDeny
)

func (d Decision) String() string {
	if d == DecisionDeny {
		return "deny"
	}
	return "allow"
}

// Violation explains why a command was denied.
type Violation struct {
	Rule    string
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("[%s] %s", v.Rule, v.Message)
}

// Result is the full output of one evaluation.
type Result struct {
	Decision  Decision
	Violation *Violation
}

// rule is one deny pattern: Name identifies it for audit logging, Match
// reports whether cmd trips the rule.
type rule struct {
	name    string
	message string
	match   func(cmd string) bool
}

// Engine evaluates a translated shell command against the fixed exec
// deny-list from spec.md §7: destructive patterns targeting bare `/`,
// `~`, `$HOME`; interpreter-and-pipe bypasses; direct writes to the
// config file or env file.
type Engine struct {
	rules []rule
}

// New returns an Engine with the default deny-list. configPath and envPath
// are the absolute paths of ~/.kiso/config.toml and ~/.kiso/.env,
// protected against direct shell redirection writes.
func New(configPath, envPath string) *Engine {
	destructiveTargets := regexp.MustCompile(`(^|\s)rm\s+(-\w*\s+)*(-[a-zA-Z]*r[a-zA-Z]*f?[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r?[a-zA-Z]*)?\s*(/|~|\$HOME)\s*($|\s)`)
	dangerousFind := regexp.MustCompile(`find\s+(/|~|\$HOME)\s+.*-delete`)
	base64Pipe := regexp.MustCompile(`base64\s+(-d|--decode)[^|]*\|\s*(sh|bash|zsh)\b`)
	pythonExec := regexp.MustCompile(`python3?\s+-c\s`)
	evalPrintf := regexp.MustCompile(`eval\s+\$\(\s*printf\b`)

	redirectConfig := regexp.MustCompile(regexp.QuoteMeta(configPath) + `\s*$`)
	redirectEnv := regexp.MustCompile(regexp.QuoteMeta(envPath) + `\s*$`)

	return &Engine{
		rules: []rule{
			{
				name:    "destructive-root-delete",
				message: "refuses to delete bare /, ~, or $HOME",
				match:   destructiveTargets.MatchString,
			},
			{
				name:    "destructive-find-delete",
				message: "refuses a recursive find -delete over /, ~, or $HOME",
				match:   dangerousFind.MatchString,
			},
			{
				name:    "base64-pipe-to-shell",
				message: "refuses piping decoded base64 into a shell",
				match:   base64Pipe.MatchString,
			},
			{
				name:    "python-inline-exec",
				message: "refuses python -c inline execution",
				match:   pythonExec.MatchString,
			},
			{
				name:    "eval-printf-bypass",
				message: "refuses eval $(printf ...) obfuscated execution",
				match:   evalPrintf.MatchString,
			},
			{
				name:    "write-config-toml",
				message: "refuses direct shell redirection into config.toml",
				match: func(cmd string) bool {
					return containsRedirectInto(cmd, redirectConfig)
				},
			},
			{
				name:    "write-env-file",
				message: "refuses direct shell redirection into .env",
				match: func(cmd string) bool {
					return containsRedirectInto(cmd, redirectEnv)
				},
			},
		},
	}
}

// Evaluate checks cmd against every deny rule, first match wins. A command
// matching nothing is allowed.
func (e *Engine) Evaluate(cmd string) Result {
	for _, r := range e.rules {
		if r.match(cmd) {
			return Result{
				Decision: DecisionDeny,
				Violation: &Violation{
					Rule:    r.name,
					Message: r.message,
				},
			}
		}
	}
	return Result{Decision: DecisionAllow}
}

func containsRedirectInto(cmd string, targetPath *regexp.Regexp) bool {
	for _, op := range []string{">>", ">"} {
		idx := strings.LastIndex(cmd, op)
		if idx == -1 {
			continue
		}
		target := strings.TrimSpace(cmd[idx+len(op):])
		if targetPath.MatchString(target) {
			return true
		}
	}
	return false
}
