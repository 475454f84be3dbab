// Package verify runs read-only checks against a restored database and
// aggregates them into a PASS/FAIL report.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/target"
)

const (
	Pass = "PASS"
	Fail = "FAIL"
)

type Result struct {
	Name     string `json:"name"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual"`
	Hard     bool   `json:"hard"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

type Report struct {
	Target    string    `json:"target"`
	CheckedAt time.Time `json:"checkedAt"`
	Results   []Result  `json:"results"`
	Status    string    `json:"status"`
}

// Passed is true iff every hard check passed.
func (r *Report) Passed() bool {
	return r.Status == Pass
}

func aggregate(results []Result) string {
	for _, res := range results {
		if res.Hard && !res.Passed {
			return Fail
		}
	}
	return Pass
}

type Verifier struct {
	PG *pg.Client
}

// Verify probes the target and runs the checks in order. A check that
// cannot be evaluated counts as failed.
func (v *Verifier) Verify(ctx context.Context, tgt target.Target, checks []Check) (*Report, error) {
	conn := tgt.Conn()
	slog.Info("Verifying target", "target", conn.Redacted(), "checks", len(checks))

	if err := v.PG.Probe(ctx, conn, failure.ErrTargetUnreachable); err != nil {
		return nil, err
	}

	report := &Report{Target: conn.Redacted(), CheckedAt: time.Now().UTC()}
	for _, c := range checks {
		res := v.run(ctx, conn, c)
		if c.Kind == KindRoles && tgt.Kind() == target.KindEphemeral {
			// roles are cluster objects that pg_dump does not carry, so a
			// freshly initialised drill cluster cannot have them
			res.Hard = false
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("Check finished", "check", res.Name, "passed", res.Passed, "actual", res.Actual)
		report.Results = append(report.Results, res)
	}
	report.Status = aggregate(report.Results)
	slog.Info("Verification finished", "status", report.Status)
	return report, nil
}

func (v *Verifier) run(ctx context.Context, conn pg.Conn, c Check) Result {
	res := Result{Name: c.Name(), Hard: c.Hard()}

	switch c.Kind {
	case KindSchema:
		res.Expected = ">= 1"
		n, err := v.PG.UserTableCount(ctx, conn)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Actual = strconv.FormatInt(n, 10)
		res.Passed = n >= 1

	case KindRowCount:
		if c.Expect != nil {
			res.Expected = strconv.FormatInt(*c.Expect, 10)
		}
		n, err := v.PG.RowCount(ctx, conn, c.Table)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		res.Actual = strconv.FormatInt(n, 10)
		res.Passed = c.Expect == nil || n == *c.Expect

	case KindRoles:
		res.Expected = "present"
		missing, err := v.PG.MissingRoles(ctx, conn, c.Roles)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if len(missing) == 0 {
			res.Actual = "present"
			res.Passed = true
		} else {
			res.Actual = "missing " + strings.Join(missing, ",")
		}

	default:
		res.Error = fmt.Sprintf("unknown check kind %q", c.Kind)
	}
	return res
}

// Render writes the report as "text" or "json".
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "", "text":
		return r.renderText(w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func (r *Report) renderText(w io.Writer) error {
	fmt.Fprintf(w, "Verification of %s\n", r.Target)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESULT\tCHECK\tEXPECTED\tACTUAL")
	for _, res := range r.Results {
		mark := Pass
		switch {
		case !res.Hard && (res.Error != "" || !res.Passed):
			mark = "WARN"
		case !res.Hard:
			mark = "INFO"
		case !res.Passed:
			mark = Fail
		}
		expected := res.Expected
		if expected == "" {
			expected = "-"
		}
		actual := readable(res.Actual)
		if res.Error != "" {
			actual = "error: " + res.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, res.Name, readable(expected), actual)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Overall: %s\n", r.Status)
	return err
}

// readable adds thousands separators to plain integers.
func readable(s string) string {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	return humanize.Comma(n)
}
