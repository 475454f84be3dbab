package restore

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultIgnorablePatterns match pg_restore diagnostics that do not affect
// the restored data: objects recreated over existing ones, ownership and
// grant statements for roles the target lacks, and the trailing summary.
var DefaultIgnorablePatterns = []string{
	`already exists`,
	`must be owner of`,
	`role "[^"]*" does not exist`,
	`no privileges (could be revoked|were granted)`,
	`errors ignored on restore`,
	`^pg_restore: warning:`,
}

// context lines name the TOC entry an error belongs to
var contextPrefixes = []string{
	"pg_restore: while PROCESSING TOC",
	"pg_restore: from TOC entry",
}

var continuationPrefixes = []string{"Command was:", "LINE ", "DETAIL:", "HINT:", "CONTEXT:"}

// Classifier sorts restore diagnostics into ignorable and fatal entries.
type Classifier struct {
	ignorable []*regexp.Regexp
}

// NewClassifier compiles the default patterns plus extra ones.
func NewClassifier(extra []string) (*Classifier, error) {
	c := &Classifier{}
	for _, p := range append(append([]string(nil), DefaultIgnorablePatterns...), extra...) {
		re, err := regexp.Compile("(?im)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid ignorable pattern %q: %w", p, err)
		}
		c.ignorable = append(c.ignorable, re)
	}
	return c, nil
}

// Entries groups stderr into diagnostics. An entry starts at any line that
// is not a continuation; TOC context lines are folded into the entry that
// follows them.
func Entries(stderr string) []string {
	var (
		entries []string
		current []string
		context []string
	)
	flush := func() {
		if len(current) > 0 {
			entries = append(entries, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		switch {
		case hasAnyPrefix(line, contextPrefixes):
			flush()
			context = append(context, line)
		case len(current) > 0 && isContinuation(line):
			current = append(current, line)
		default:
			flush()
			current = append(context, line)
			context = nil
		}
	}
	flush()
	if len(context) > 0 {
		entries = append(entries, strings.Join(context, "\n"))
	}
	return entries
}

func isContinuation(line string) bool {
	if line[0] == ' ' || line[0] == '\t' {
		return true
	}
	return hasAnyPrefix(line, continuationPrefixes)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// diagnostics returns the lines of entry that carry the message itself.
// TOC context and continuations such as the echoed statement are dropped:
// their text is SQL or object names, not server output.
func diagnostics(entry string) []string {
	var lines []string
	for _, line := range strings.Split(entry, "\n") {
		if line == "" || hasAnyPrefix(line, contextPrefixes) || isContinuation(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Ignorable reports whether every diagnostic line of the entry matches an
// ignorable pattern. An entry made only of TOC context carries no error of
// its own.
func (c *Classifier) Ignorable(entry string) bool {
	for _, line := range diagnostics(entry) {
		if !c.matches(line) {
			return false
		}
	}
	return true
}

func (c *Classifier) matches(line string) bool {
	for _, re := range c.ignorable {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Classify maps a pg_restore exit status and stderr to an outcome. Every
// entry is returned as a warning; fatal lists the entries that were not
// ignorable. A nonzero exit without any diagnostics is fatal.
func (c *Classifier) Classify(exitCode int, stderr string) (status Status, warnings, fatal []string) {
	entries := Entries(stderr)
	if exitCode == 0 {
		return StatusSuccess, entries, nil
	}
	if len(entries) == 0 {
		return StatusFailed, nil, []string{fmt.Sprintf("pg_restore exited with code %d and no diagnostics", exitCode)}
	}
	for _, e := range entries {
		if !c.Ignorable(e) {
			fatal = append(fatal, e)
		}
	}
	if len(fatal) > 0 {
		return StatusFailed, entries, fatal
	}
	return StatusDegraded, entries, nil
}
