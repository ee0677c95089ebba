// Package guard implements the Execution Guard (C10): static analysis
// over a code string plus the actor's tier, gating the Remote Executor
// Service (C12) before any sandbox is ever created. The harness executes
// Python (§6.4); this is a Go port of a Python-sourced static analyzer, so
// import classification uses a lightweight line scanner rather than
// go/ast (which parses Go, not Python) — see DESIGN.md.
package guard

import (
	"regexp"
	"strings"

	"github.com/agentium/governance-core/tier"
)

// Severity grades the worst violation found.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// ViolationKind discriminates what the analyzer found.
type ViolationKind string

const (
	ViolationDangerousPattern ViolationKind = "dangerous_pattern"
	ViolationRestrictedImport ViolationKind = "restricted_import"
	ViolationUnknownImport    ViolationKind = "unknown_import"
	ViolationSyntax           ViolationKind = "syntax"
)

// Violation is one static-analysis finding.
type Violation struct {
	Kind     ViolationKind
	Detail   string
	Severity Severity
}

// Result is the Execution Guard's verdict.
type Result struct {
	Passed      bool
	Severity    Severity
	Violations  []Violation
	Remediation string
}

// dangerousPatterns is the fixed list of shell invocations, dynamic-eval
// constructs, disk-writing opens, and privileged commands (§4.10 step 1).
// Any hit is CRITICAL.
var dangerousPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"shell_invocation", regexp.MustCompile(`\bos\.system\s*\(|\bsubprocess\.(run|call|Popen|check_output)\s*\(`)},
	{"dynamic_eval", regexp.MustCompile(`\beval\s*\(|\bexec\s*\(|\b__import__\s*\(`)},
	{"disk_write_open", regexp.MustCompile(`\bopen\s*\([^)]*['"]\s*[wa]\+?['"]`)},
	{"privileged_command", regexp.MustCompile(`\bsudo\b|\bchmod\s+\d|\brm\s+-rf\b`)},
	{"network_socket", regexp.MustCompile(`\bsocket\.socket\s*\(`)},
}

// allowedModules is the standard-library-and-safe-data-processing
// whitelist (§4.10 step 2).
var allowedModules = map[string]struct{}{
	"math": {}, "json": {}, "re": {}, "datetime": {}, "collections": {}, "itertools": {},
	"functools": {}, "statistics": {}, "decimal": {}, "csv": {}, "pandas": {}, "numpy": {},
	"string": {}, "random": {}, "typing": {}, "dataclasses": {}, "enum": {}, "abc": {},
}

// restrictedModules are network/database modules permitted only for tier
// Head (§4.10 step 2).
var restrictedModules = map[string]struct{}{
	"socket": {}, "requests": {}, "urllib": {}, "http": {}, "sqlite3": {}, "psycopg2": {},
	"pymongo": {}, "redis": {}, "boto3": {}, "ftplib": {}, "smtplib": {},
}

var importLine = regexp.MustCompile(`^\s*(?:import\s+([a-zA-Z0-9_.]+)|from\s+([a-zA-Z0-9_.]+)\s+import\s+)`)

// Validate runs the three-pass static analysis over code for an actor of
// actorTier.
func Validate(code string, actorTier tier.Tier) *Result {
	var violations []Violation
	severity := SeverityNone

	for _, dp := range dangerousPatterns {
		if dp.pattern.MatchString(code) {
			violations = append(violations, Violation{
				Kind: ViolationDangerousPattern, Detail: dp.name, Severity: SeverityCritical,
			})
			severity = maxSeverity(severity, SeverityCritical)
		}
	}

	for _, line := range strings.Split(code, "\n") {
		m := importLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		module := m[1]
		if module == "" {
			module = m[2]
		}
		root := strings.SplitN(module, ".", 2)[0]

		switch {
		case hasModule(allowedModules, root):
			continue
		case hasModule(restrictedModules, root):
			if actorTier != tier.TierHead {
				violations = append(violations, Violation{
					Kind: ViolationRestrictedImport, Detail: root, Severity: SeverityHigh,
				})
				severity = maxSeverity(severity, SeverityHigh)
			}
		default:
			violations = append(violations, Violation{
				Kind: ViolationUnknownImport, Detail: root, Severity: SeverityMedium,
			})
			severity = maxSeverity(severity, SeverityMedium)
		}
	}

	if !balanced(code) {
		violations = append(violations, Violation{Kind: ViolationSyntax, Detail: "unbalanced brackets/quotes", Severity: SeverityCritical})
		severity = maxSeverity(severity, SeverityCritical)
	}

	passed := severity != SeverityCritical && severity != SeverityHigh
	return &Result{
		Passed:      passed,
		Severity:    severity,
		Violations:  violations,
		Remediation: remediationFor(severity, violations),
	}
}

func hasModule(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

// balanced does a crude bracket/quote-depth check as the syntax-check pass
// (§4.10 step 3); the harness's own Python interpreter is the actual
// source-of-truth parser, this is a pre-flight sanity check only.
func balanced(code string) bool {
	depth := 0
	inSingle, inDouble := false, false
	escaped := false
	for _, r := range code {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case '(', '[', '{':
			if !inSingle && !inDouble {
				depth++
			}
		case ')', ']', '}':
			if !inSingle && !inDouble {
				depth--
			}
		}
		if depth < 0 {
			return false
		}
	}
	return depth == 0 && !inSingle && !inDouble
}

func remediationFor(sev Severity, violations []Violation) string {
	if sev == SeverityNone {
		return ""
	}
	for _, v := range violations {
		if v.Kind == ViolationDangerousPattern {
			return "remove shell/eval/disk-write/privileged-command constructs before resubmitting"
		}
	}
	for _, v := range violations {
		if v.Kind == ViolationRestrictedImport {
			return "network/database imports require Head-tier authorization"
		}
	}
	for _, v := range violations {
		if v.Kind == ViolationSyntax {
			return "fix unbalanced brackets or quotes"
		}
	}
	return "remove unrecognized imports or request a whitelist addition"
}
