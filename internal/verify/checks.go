package verify

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pgdrill/internal/config"
)

type Kind string

const (
	KindSchema   Kind = "schema"
	KindRowCount Kind = "rowcount"
	KindRoles    Kind = "roles"
)

// Check is one read-only assertion against a restored database.
type Check struct {
	Kind   Kind     `yaml:"kind" json:"kind"`
	Table  string   `yaml:"table,omitempty" json:"table,omitempty"`
	Expect *int64   `yaml:"expect,omitempty" json:"expect,omitempty"`
	Roles  []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

func (c Check) Name() string {
	switch c.Kind {
	case KindRowCount:
		return fmt.Sprintf("rowcount(%s)", c.Table)
	case KindRoles:
		return fmt.Sprintf("roles(%s)", strings.Join(c.Roles, ","))
	default:
		return string(c.Kind)
	}
}

// Hard reports whether a failing check fails the report.
func (c Check) Hard() bool {
	return c.Kind != KindRowCount || c.Expect != nil
}

func (c Check) validate() error {
	switch c.Kind {
	case KindSchema:
	case KindRowCount:
		if c.Table == "" {
			return fmt.Errorf("rowcount check requires a table")
		}
	case KindRoles:
		if len(c.Roles) == 0 {
			return fmt.Errorf("roles check requires at least one role")
		}
	default:
		return fmt.Errorf("unknown check kind %q", c.Kind)
	}
	return nil
}

// ParseChecks reads checks from a YAML file when spec names one, otherwise
// from the compact form "schema,rowcount:users=42,roles:app_runtime+app_migrate".
func ParseChecks(spec string) ([]Check, error) {
	if info, err := os.Stat(spec); err == nil && info.Mode().IsRegular() {
		return LoadChecks(spec)
	}

	var checks []Check
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kind, arg, _ := strings.Cut(item, ":")
		c := Check{Kind: Kind(strings.ToLower(kind))}
		switch c.Kind {
		case KindRowCount:
			table, expect, hasExpect := strings.Cut(arg, "=")
			c.Table = table
			if hasExpect {
				n, err := strconv.ParseInt(expect, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("invalid expectation in %q: %w", item, err)
				}
				c.Expect = &n
			}
		case KindRoles:
			for _, r := range strings.Split(arg, "+") {
				if r = strings.TrimSpace(r); r != "" {
					c.Roles = append(c.Roles, r)
				}
			}
		}
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("invalid check %q: %w", item, err)
		}
		checks = append(checks, c)
	}
	if len(checks) == 0 {
		return nil, fmt.Errorf("no checks given")
	}
	return checks, nil
}

// LoadChecks reads a YAML list of checks.
func LoadChecks(filename string) ([]Check, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var checks []Check
	if err := yaml.Unmarshal(data, &checks); err != nil {
		return nil, fmt.Errorf("failed to parse checks file %s: %w", filename, err)
	}
	for i, c := range checks {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("checks file %s, item %d: %w", filename, i, err)
		}
	}
	return checks, nil
}

// FromConfig builds the configured check list: explicit checks first, then
// a schema check, a rowcount per critical table and a roles check, each
// unless an explicit check already covers it. Critical table expectations
// come from rowCounts when given.
func FromConfig(v config.VerifyConfig, rowCounts map[string]int64) []Check {
	var checks []Check
	haveSchema := false
	haveTable := make(map[string]bool)
	for _, cc := range v.Checks {
		c := Check{Kind: Kind(cc.Kind), Table: cc.Table, Expect: cc.Expect, Roles: cc.Roles}
		if c.Kind == KindSchema {
			haveSchema = true
		}
		if c.Kind == KindRowCount {
			haveTable[c.Table] = true
		}
		checks = append(checks, c)
	}

	if !haveSchema {
		checks = append([]Check{{Kind: KindSchema}}, checks...)
	}
	for _, table := range v.CriticalTables {
		if haveTable[table] {
			continue
		}
		c := Check{Kind: KindRowCount, Table: table}
		if n, ok := rowCounts[table]; ok {
			c.Expect = &n
		}
		checks = append(checks, c)
	}
	if len(v.Roles) > 0 {
		checks = append(checks, Check{Kind: KindRoles, Roles: v.Roles})
	}
	return checks
}
