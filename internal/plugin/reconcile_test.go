package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/mtt/internal/model"
	"github.com/alexisbeaulieu97/mtt/internal/plugin"
	mtterrors "github.com/alexisbeaulieu97/mtt/pkg/errors"
)

func buildSchema() plugin.Schema {
	return plugin.Schema{
		{Name: "command", Default: nil, Description: "command to run"},
		{Name: "fail_test", Default: false},
		{Name: "np", Default: 4},
		{Name: "ratio", Default: 0.5},
		{Name: "compilers", Default: []string{}},
		{Name: "merge_stdout_stderr", Default: false},
	}
}

func params(kv ...string) []model.Param {
	out := make([]model.Param, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, model.Param{Key: kv[i], Value: kv[i+1]})
	}
	return out
}

func TestReconcileEverySchemaKeyPresent(t *testing.T) {
	t.Parallel()

	merged, err := plugin.Reconcile("TestRun:a", buildSchema(), params("command", "make"), nil)
	require.NoError(t, err)

	for _, name := range buildSchema().Names() {
		_, ok := merged[name]
		require.True(t, ok, "missing %s", name)
	}
	require.Equal(t, "make", merged["command"])
	require.Equal(t, false, merged["fail_test"])
	require.Equal(t, 4, merged["np"])
}

func TestReconcileCoercesToDefaultType(t *testing.T) {
	t.Parallel()

	merged, err := plugin.Reconcile("TestRun:a", buildSchema(),
		params("fail_test", "Yes", "np", "16", "ratio", "0.25", "compilers", "[gcc, openmpi]", "merge_stdout_stderr", "1"), nil)
	require.NoError(t, err)

	require.Equal(t, true, merged["fail_test"])
	require.Equal(t, 16, merged["np"])
	require.InDelta(t, 0.25, merged["ratio"], 1e-9)
	require.Equal(t, []string{"gcc", "openmpi"}, merged["compilers"])
	require.Equal(t, true, merged["merge_stdout_stderr"])
}

func TestReconcileEmptyValueKeepsDefault(t *testing.T) {
	t.Parallel()

	merged, err := plugin.Reconcile("TestRun:a", buildSchema(), params("np", "  "), nil)
	require.NoError(t, err)
	require.Equal(t, 4, merged["np"])
}

func TestReconcileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := plugin.Reconcile("TestRun:a", buildSchema(), params("bogus", "1", "also_bad", "x", "command", "ls"), nil)
	require.Error(t, err)

	var cfgErr *mtterrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, []string{"also_bad", "bogus"}, cfgErr.Keys)
}

func TestReconcilePassesReservedKeys(t *testing.T) {
	t.Parallel()

	merged, err := plugin.Reconcile("TestRun:a", buildSchema(),
		params("parent", "TestBuild:a", "asis", "1", "plugin", "Shell", "section", "x"), nil)
	require.NoError(t, err)
	require.Equal(t, "TestBuild:a", merged[plugin.KeyParent])
	require.Equal(t, "1", merged[plugin.KeyASIS])
	_, hasPlugin := merged[plugin.KeyPlugin]
	require.False(t, hasPlugin)
}

func TestReconcileFillsUnsetFromDefaults(t *testing.T) {
	t.Parallel()

	merged, err := plugin.Reconcile("TestRun:a", buildSchema(), nil, plugin.Params{"command": "srun", "np": 99})
	require.NoError(t, err)
	require.Equal(t, "srun", merged["command"])
	// schema defaults win over the defaults layer
	require.Equal(t, 4, merged["np"])
}

func TestReconcileRejectsBadNumbers(t *testing.T) {
	t.Parallel()

	_, err := plugin.Reconcile("TestRun:a", buildSchema(), params("np", "many"), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "np")
}

func TestReconcileIntoMarksRecord(t *testing.T) {
	t.Parallel()

	rec := model.NewRecord("TestRun:a")
	_, err := plugin.ReconcileInto(rec, buildSchema(), params("bogus", "1"), nil)
	require.Error(t, err)
	require.Equal(t, model.StatusFailed, rec.Status)
	require.Equal(t, []string{"Option bogus is not supported"}, rec.Stderr)

	rec = model.NewRecord("TestRun:b")
	merged, err := plugin.ReconcileInto(rec, buildSchema(), params("np", "2"), nil)
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, rec.Status)
	require.Equal(t, merged.Map(), rec.Options)
}

func TestCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		def  any
		want any
	}{
		{name: "bool true forms", raw: "t", def: false, want: true},
		{name: "bool other is false", raw: "no", def: true, want: false},
		{name: "bool list", raw: "[yes, 0]", def: false, want: []bool{true, false}},
		{name: "int", raw: "42", def: 0, want: 42},
		{name: "int list", raw: "[1,2, 3]", def: 0, want: []int{1, 2, 3}},
		{name: "float", raw: "1.5", def: 0.0, want: 1.5},
		{name: "string", raw: "hello world", def: "", want: "hello world"},
		{name: "nil default keeps text", raw: "42", def: nil, want: "42"},
		{name: "bracketed string becomes list", raw: "[a,b]", def: nil, want: []string{"a", "b"}},
		{name: "list default splits", raw: "a, b", def: []string{}, want: []string{"a", "b"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := plugin.Coerce(tt.raw, tt.def)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParamsAccessors(t *testing.T) {
	t.Parallel()

	p := plugin.Params{
		"list":  []string{"a", "b"},
		"flag":  "yes",
		"n":     "7",
		"unset": nil,
	}
	require.Equal(t, "a,b", p.String("list"))
	require.True(t, p.Bool("flag"))
	require.Equal(t, 7, p.Int("n"))
	require.False(t, p.Has("unset"))
	require.Empty(t, p.String("unset"))
	require.Equal(t, []string{"x", "y"}, plugin.Params{"s": "x, y"}.Strings("s"))
	require.Equal(t, []string{"flag", "list", "n", "unset"}, p.Keys())
}
