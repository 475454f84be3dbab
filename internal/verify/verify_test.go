package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgdrill/internal/config"
	"pgdrill/internal/failure"
	"pgdrill/internal/pg"
	"pgdrill/internal/runner/runnertest"
	"pgdrill/internal/target"
)

func int64p(n int64) *int64 { return &n }

func TestParseChecks(t *testing.T) {
	checks, err := ParseChecks("schema, rowcount:users=42,rowcount:orders,roles:app_runtime+app_migrate")
	require.NoError(t, err)
	require.Len(t, checks, 4)

	assert.Equal(t, Check{Kind: KindSchema}, checks[0])
	assert.Equal(t, Check{Kind: KindRowCount, Table: "users", Expect: int64p(42)}, checks[1])
	assert.Equal(t, Check{Kind: KindRowCount, Table: "orders"}, checks[2])
	assert.Equal(t, Check{Kind: KindRoles, Roles: []string{"app_runtime", "app_migrate"}}, checks[3])

	assert.True(t, checks[0].Hard())
	assert.True(t, checks[1].Hard())
	assert.False(t, checks[2].Hard())
	assert.Equal(t, "rowcount(users)", checks[1].Name())

	for _, bad := range []string{"", "rowcount", "rowcount:users=many", "roles:", "vibes"} {
		_, err := ParseChecks(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseChecksFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checks.yaml")
	content := `
- kind: schema
- kind: rowcount
  table: users
  expect: 42
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	checks, err := ParseChecks(path)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, int64(42), *checks[1].Expect)
}

func TestFromConfig(t *testing.T) {
	v := config.VerifyConfig{
		CriticalTables: []string{"users", "orders"},
		Roles:          []string{"app_runtime"},
		Checks:         []config.CheckConfig{{Kind: "rowcount", Table: "orders", Expect: int64p(7)}},
	}

	checks := FromConfig(v, map[string]int64{"users": 42, "orders": 1000})
	require.Len(t, checks, 4)
	assert.Equal(t, KindSchema, checks[0].Kind)
	assert.Equal(t, int64(7), *checks[1].Expect, "explicit check wins over manifest count")
	assert.Equal(t, "users", checks[2].Table)
	assert.Equal(t, int64(42), *checks[2].Expect)
	assert.Equal(t, KindRoles, checks[3].Kind)

	noCounts := FromConfig(config.VerifyConfig{CriticalTables: []string{"users"}}, nil)
	require.Len(t, noCounts, 2)
	assert.Nil(t, noCounts[1].Expect)
}

func namedTarget() target.Target {
	return target.NewNamed(pg.Conn{Host: "127.0.0.1", Port: 55432, User: "postgres", Database: "drill"})
}

func newVerifier(f *runnertest.Fake) *Verifier {
	client := pg.NewClient(f, "", time.Minute)
	client.ProbeDelay = time.Millisecond
	return &Verifier{PG: client}
}

func restoredFake() *runnertest.Fake {
	f := runnertest.New()
	f.OnArgs("psql", "SELECT 1", runnertest.Ok("1"))
	f.OnArgs("psql", "information_schema.tables", runnertest.Ok("12"))
	f.OnArgs("psql", `count(*) FROM "users"`, runnertest.Ok("42"))
	f.OnArgs("psql", `count(*) FROM "orders"`, runnertest.Ok("1500"))
	f.OnArgs("psql", "pg_roles", runnertest.Ok("app_runtime\napp_migrate"))
	return f
}

func TestVerifyPass(t *testing.T) {
	f := restoredFake()
	checks, err := ParseChecks("schema,rowcount:users=42,rowcount:orders,roles:app_runtime+app_migrate")
	require.NoError(t, err)

	report, err := newVerifier(f).Verify(context.Background(), namedTarget(), checks)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	require.Len(t, report.Results, 4)
	assert.Equal(t, Result{Name: "rowcount(users)", Expected: "42", Actual: "42", Hard: true, Passed: true}, report.Results[1])
	assert.Equal(t, "1500", report.Results[2].Actual)
	assert.False(t, report.Results[2].Hard)
}

func TestVerifyAggregation(t *testing.T) {
	tests := []struct {
		name string
		spec string
		fake func(f *runnertest.Fake)
		want string
	}{
		{
			name: "hard rowcount mismatch fails",
			spec: "schema,rowcount:users=41",
			want: Fail,
		},
		{
			name: "informational checks never fail",
			spec: "schema,rowcount:users,rowcount:orders,rowcount:missing",
			fake: func(f *runnertest.Fake) {
				f.OnArgs("psql", `"missing"`, runnertest.Exit(1, `ERROR:  relation "missing" does not exist`))
			},
			want: Pass,
		},
		{
			name: "empty schema fails",
			spec: "schema",
			fake: func(f *runnertest.Fake) {
				f.OnArgs("psql", "information_schema.tables", runnertest.Ok("0"))
			},
			want: Fail,
		},
		{
			name: "missing role fails",
			spec: "roles:app_runtime+app_readonly",
			want: Fail,
		},
		{
			name: "failing hard query fails",
			spec: "rowcount:users=42",
			fake: func(f *runnertest.Fake) {
				f.OnArgs("psql", `"users"`, runnertest.Exit(1, "ERROR:  permission denied"))
			},
			want: Fail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := restoredFake()
			if tt.fake != nil {
				tt.fake(f)
			}
			checks, err := ParseChecks(tt.spec)
			require.NoError(t, err)

			report, err := newVerifier(f).Verify(context.Background(), namedTarget(), checks)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.Status)
		})
	}
}

func TestVerifyUnreachable(t *testing.T) {
	f := runnertest.New()
	f.On("psql", runnertest.Exit(2, "psql: error: connection refused"))

	_, err := newVerifier(f).Verify(context.Background(), namedTarget(), []Check{{Kind: KindSchema}})
	assert.ErrorIs(t, err, failure.ErrTargetUnreachable)
}

func TestRender(t *testing.T) {
	report := &Report{
		Target: "postgresql://postgres@127.0.0.1:55432/drill",
		Results: []Result{
			{Name: "schema", Expected: ">= 1", Actual: "12", Hard: true, Passed: true},
			{Name: "rowcount(orders)", Actual: "1500", Passed: true},
			{Name: "rowcount(users)", Expected: "42", Actual: "41", Hard: true},
		},
	}
	report.Status = aggregate(report.Results)

	var text bytes.Buffer
	require.NoError(t, report.Render(&text, "text"))
	out := text.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "Overall: FAIL")

	var js bytes.Buffer
	require.NoError(t, report.Render(&js, "json"))
	var decoded Report
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, Fail, decoded.Status)
	assert.Len(t, decoded.Results, 3)

	assert.Error(t, report.Render(&text, "xml"))
}

func TestVerifyRolesAdvisoryOnEphemeral(t *testing.T) {
	f := restoredFake()
	f.OnArgs("psql", "pg_roles", runnertest.Ok(""))
	checks, err := ParseChecks("schema,roles:app_runtime+app_migrate")
	require.NoError(t, err)

	drill := target.NewEphemeral("/srv/drill", pg.Conn{Host: "127.0.0.1", Port: 55432, User: "postgres", Database: "drill"}, nil)
	report, err := newVerifier(f).Verify(context.Background(), drill, checks)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.False(t, report.Results[1].Hard)
	assert.False(t, report.Results[1].Passed)

	report, err = newVerifier(f).Verify(context.Background(), namedTarget(), checks)
	require.NoError(t, err)
	assert.False(t, report.Passed(), "named targets still require the roles")
}
