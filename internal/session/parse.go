package session

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/steward/internal/snapshot"
)

// Pane is the structured reading of one captured pane.
type Pane struct {
	Busy      bool
	HasInput  bool
	InputText string
	Todos     snapshot.Todos
	Errors    []snapshot.ErrorEntry
	Warnings  []snapshot.WarningEntry
	// Content is the transcript above the input box, ANSI-stripped.
	Content []string
}

const (
	inputSearchLines = 12
	busySearchLines  = 15
	errorWindowLines = 40
	historyLines     = 30
)

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

	promptRe   = regexp.MustCompile(`^\s*[│|]?\s*[>❯]\s?(.*?)\s*[│|]?\s*$`)
	boxEdgeRe  = regexp.MustCompile(`^\s*[╭╰─━┌└]`)
	sendHintRe = regexp.MustCompile(`\s*↵\s*send\s*$`)

	busyPatterns = compilePatterns([]string{
		`(?i)esc to interrupt`,
		`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`,
		`^\s*[✻✽✶✳✢]\s+\S+…`,
	})

	todoRe = regexp.MustCompile(`^\s*(?:⎿\s*)?(☐|☒|✔|✓|◻|◼|\[ \]|\[[xX]\])\s+\S`)

	errorPatterns = compilePatterns([]string{
		`(?i)^\s*(?:\S+:\d+(?::\d+)?:?\s*)?(?:error|fatal|panic)\b`,
		`(?i)\b(?:error|err)\s*(?:TS\d+|\[\w+\])?\s*:`,
		`^\s*(?:FAIL|✗|✘)\s`,
		`(?i)\btraceback \(most recent call last\)`,
		`(?i)\b(?:uncaught|unhandled) exception\b`,
	})
	warningRe = regexp.MustCompile(`(?i)^\s*(?:\S+:\d+(?::\d+)?:?\s*)?warn(?:ing)?\b\s*:?`)

	criticalRe = regexp.MustCompile(`(?i)\bfatal\b|\bpanic\b|segmentation fault|out of memory|traceback|uncaught`)

	categoryPatterns = []struct {
		category snapshot.Category
		re       *regexp.Regexp
	}{
		{snapshot.CategoryCompilation, regexp.MustCompile(`(?i)\bTS\d{4}\b|cannot find module|syntax ?error|compil|undefined:|build failed|type ?error|error\[E\d+\]`)},
		{snapshot.CategoryTest, regexp.MustCompile(`(?i)^\s*FAIL\b|\btests? failed\b|assert|^\s*[✗✘]`)},
		{snapshot.CategoryReference, regexp.MustCompile(`(?i)not defined|undefined reference|cannot find name|no such file|unresolved`)},
		{snapshot.CategoryOperation, regexp.MustCompile(`(?i)permission denied|timed? ?out|econnrefused|rate limit|network|eacces|overloaded|quota`)},
	}
)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// ParsePane reads a captured pane into structured fields.
func ParsePane(raw string) Pane {
	lines := strings.Split(strings.ReplaceAll(StripANSI(raw), "\r", ""), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	var p Pane
	cutoff := len(lines)

	for i := len(lines) - 1; i >= 0 && i >= len(lines)-inputSearchLines; i-- {
		m := promptRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		p.HasInput = true
		p.InputText = strings.TrimSpace(sendHintRe.ReplaceAllString(m[1], ""))
		cutoff = i
		if i > 0 && boxEdgeRe.MatchString(lines[i-1]) {
			cutoff = i - 1
		}
		break
	}

	content := lines[:cutoff]
	p.Content = content

	for _, l := range tail(content, busySearchLines) {
		if matchesAny(l, busyPatterns) {
			p.Busy = true
			break
		}
	}
	// The busy hint can sit below the input box in the status line.
	for _, l := range lines[cutoff:] {
		if strings.Contains(strings.ToLower(l), "esc to interrupt") {
			p.Busy = true
		}
	}

	p.Todos = countTodos(content)
	p.Errors, p.Warnings = scanProblems(tail(content, errorWindowLines))
	return p
}

// countTodos counts the last contiguous checklist block.
func countTodos(lines []string) snapshot.Todos {
	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if todoRe.MatchString(lines[i]) {
			end = i
			break
		}
	}
	if end < 0 {
		return snapshot.Todos{}
	}
	var t snapshot.Todos
	for i := end; i >= 0; i-- {
		m := todoRe.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		t.Total++
		switch m[1] {
		case "☒", "✔", "✓", "◼", "[x]", "[X]":
			t.Completed++
		}
	}
	return t
}

func scanProblems(lines []string) ([]snapshot.ErrorEntry, []snapshot.WarningEntry) {
	var errs []snapshot.ErrorEntry
	var warns []snapshot.WarningEntry
	seen := make(map[string]bool)
	for _, l := range lines {
		msg := strings.TrimSpace(l)
		if msg == "" || seen[msg] || todoRe.MatchString(l) {
			continue
		}
		switch {
		case matchesAny(l, errorPatterns):
			seen[msg] = true
			errs = append(errs, ClassifyError(msg))
		case warningRe.MatchString(l):
			seen[msg] = true
			warns = append(warns, snapshot.WarningEntry{Message: msg})
		}
	}
	return errs, warns
}

// ClassifyError assigns a category and severity to an error line.
func ClassifyError(msg string) snapshot.ErrorEntry {
	e := snapshot.ErrorEntry{Message: msg, Category: snapshot.CategoryGeneral, Severity: snapshot.SeverityMedium}
	for _, cp := range categoryPatterns {
		if cp.re.MatchString(msg) {
			e.Category = cp.category
			break
		}
	}
	switch {
	case criticalRe.MatchString(msg):
		e.Severity = snapshot.SeverityCritical
	case e.Category == snapshot.CategoryCompilation:
		e.Severity = snapshot.SeverityHigh
	}
	return e
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

// recentHistory returns the last n non-blank lines, trimmed.
func recentHistory(lines []string, n int) []string {
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			out = append(out, s)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
