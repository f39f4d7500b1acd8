package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleQuery(name, field string, t types.FieldType) types.QuerySpec {
	return types.QuerySpec{
		Query:       "select 1",
		MetricName:  name,
		Description: name + " help",
		Values: types.ValueMapping{
			Kind:   types.MappingSingle,
			Fields: []types.ValueField{{Field: field, Type: t}},
		},
	}
}

func mustUpdate(t *testing.T, m *MetricSet, res *db.Result) {
	t.Helper()
	sampled, err := m.Update(res)
	require.NoError(t, err)
	require.True(t, sampled)
}

func TestSingleFirstRowWins(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(singleQuery("pg_users", "count", types.FieldInt), nil)
	require.NoError(t, err)
	require.NoError(t, m.Register(reg))

	res := &db.Result{Columns: []string{"count"}, Rows: [][]any{{int64(7)}, {int64(99)}}}
	mustUpdate(t, m, res)

	expected := `
# HELP pg_users pg_users help
# TYPE pg_users gauge
pg_users 7
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pg_users"))
}

func TestSingleDefaultsToFirstColumn(t *testing.T) {
	m, err := New(singleQuery("pg_ratio", "", types.FieldFloat), nil)
	require.NoError(t, err)

	res := &db.Result{Columns: []string{"ratio", "other"}, Rows: [][]any{{0.25, int64(3)}}}
	mustUpdate(t, m, res)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.gauges[0].scalar))
}

func TestMultiLabelVector(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := types.QuerySpec{
		MetricName:  "pg_sessions",
		Description: "Sessions",
		VarLabels:   []string{"region"},
		Values: types.ValueMapping{
			Kind:   types.MappingMultiLabel,
			Fields: []types.ValueField{{Field: "v", Type: types.FieldInt, Labels: map[string]string{"state": "active"}}},
		},
	}
	m, err := New(q, nil)
	require.NoError(t, err)
	require.NoError(t, m.Register(reg))

	res := &db.Result{Columns: []string{"region", "v"}, Rows: [][]any{{"us", int64(1)}, {"eu", int64(2)}}}
	mustUpdate(t, m, res)

	expected := `
# HELP pg_sessions Sessions
# TYPE pg_sessions gauge
pg_sessions{region="eu",state="active"} 2
pg_sessions{region="us",state="active"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pg_sessions"))

	// repeated tuples overwrite, empty results keep existing series
	mustUpdate(t, m, &db.Result{Columns: []string{"region", "v"}, Rows: [][]any{{"us", int64(5)}, {"us", int64(6)}}})
	mustUpdate(t, m, &db.Result{Columns: []string{"region", "v"}})
	assert.Equal(t, 2, testutil.CollectAndCount(m.gauges[0].vector))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.gauges[0].vector.WithLabelValues("us")))
}

func TestMultiLabelScalarShareName(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := types.QuerySpec{
		MetricName:  "pg_conn",
		Description: "Connections",
		ConstLabels: map[string]string{"env": "prod"},
		Values: types.ValueMapping{
			Kind: types.MappingMultiLabel,
			Fields: []types.ValueField{
				{Field: "active", Type: types.FieldInt, Labels: map[string]string{"state": "active"}},
				{Field: "idle", Type: types.FieldFloat, Labels: map[string]string{"state": "idle"}},
			},
		},
	}
	m, err := New(q, nil)
	require.NoError(t, err)
	require.NoError(t, m.Register(reg))
	mustUpdate(t, m, &db.Result{Columns: []string{"active", "idle"}, Rows: [][]any{{int32(3), 1.5}}})

	expected := `
# HELP pg_conn Connections
# TYPE pg_conn gauge
pg_conn{env="prod",state="active"} 3
pg_conn{env="prod",state="idle"} 1.5
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pg_conn"))
}

func TestMultiSuffix(t *testing.T) {
	reg := prometheus.NewRegistry()
	q := types.QuerySpec{
		MetricName:  "pg_db",
		Description: "Database",
		Values: types.ValueMapping{
			Kind: types.MappingMultiSuffix,
			Fields: []types.ValueField{
				{Field: "size", Type: types.FieldInt, Suffix: "size_bytes"},
				{Field: "age", Type: types.FieldFloat, Suffix: "age_seconds"},
			},
		},
	}
	m, err := New(q, nil)
	require.NoError(t, err)
	require.NoError(t, m.Register(reg))

	num := pgtype.Numeric{}
	require.NoError(t, num.Scan("12.5"))
	mustUpdate(t, m, &db.Result{Columns: []string{"size", "age"}, Rows: [][]any{{int64(1024), num}}})

	expected := `
# HELP pg_db_age_seconds Database: age_seconds
# TYPE pg_db_age_seconds gauge
pg_db_age_seconds 12.5
# HELP pg_db_size_bytes Database: size_bytes
# TYPE pg_db_size_bytes gauge
pg_db_size_bytes 1024
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pg_db_size_bytes", "pg_db_age_seconds"))
}

func TestUpdateExtractionErrors(t *testing.T) {
	q := types.QuerySpec{
		MetricName:  "pg_x",
		Description: "x",
		VarLabels:   []string{"name"},
		Values: types.ValueMapping{
			Kind:   types.MappingSingle,
			Fields: []types.ValueField{{Field: "v", Type: types.FieldInt}},
		},
	}
	m, err := New(q, nil)
	require.NoError(t, err)

	res := &db.Result{
		Columns: []string{"name", "v"},
		Rows: [][]any{
			{"ok", int64(1)},
			{nil, int64(2)},
			{"float", 2.5},
			{"good", int64(3)},
		},
	}
	sampled, err := m.Update(res)
	require.Error(t, err)
	assert.True(t, sampled)
	assert.Contains(t, err.Error(), "label value is NULL")
	assert.Contains(t, err.Error(), "cannot use float64 as int value")
	// the bad rows do not stop the good ones
	assert.Equal(t, 2, testutil.CollectAndCount(m.gauges[0].vector))

	sampled, err = m.Update(&db.Result{Columns: []string{"other"}, Rows: [][]any{{int64(1)}}})
	assert.False(t, sampled)
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, "v", extErr.Column)
	assert.Equal(t, "column not found", extErr.Reason)
}

func TestScalarNoRowsKeepsValue(t *testing.T) {
	m, err := New(singleQuery("pg_count", "c", types.FieldInt), nil)
	require.NoError(t, err)
	mustUpdate(t, m, &db.Result{Columns: []string{"c"}, Rows: [][]any{{int64(4)}}})

	sampled, err := m.Update(&db.Result{Columns: []string{"c"}})
	assert.False(t, sampled)
	var extErr *ExtractionError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.gauges[0].scalar))
}

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(singleQuery("pg_up", "", types.FieldInt), nil)
	require.NoError(t, err)

	m.Unregister(reg)
	assert.False(t, m.Registered())

	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg))
	assert.True(t, m.Registered())

	m.Unregister(reg)
	m.Unregister(reg)
	assert.False(t, m.Registered())

	require.NoError(t, m.Register(reg))
	assert.True(t, m.Registered())
}

func TestRegisterCollisionRollsBack(t *testing.T) {
	reg := prometheus.NewRegistry()
	other := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pg_b_two", Help: "different"}, []string{"x"})
	require.NoError(t, reg.Register(other))

	q := types.QuerySpec{
		MetricName:  "pg_b",
		Description: "b",
		Values: types.ValueMapping{
			Kind: types.MappingMultiSuffix,
			Fields: []types.ValueField{
				{Field: "a", Suffix: "one"},
				{Field: "b", Suffix: "two"},
			},
		},
	}
	m, err := New(q, nil)
	require.NoError(t, err)

	err = m.Register(reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_b_two")
	assert.False(t, m.Registered())
	assert.True(t, reg.Register(m.gauges[0].collector()) == nil, "first gauge should have been rolled back")
}

func TestNewInvalidNames(t *testing.T) {
	_, err := New(singleQuery("bad-name", "", types.FieldInt), nil)
	assert.ErrorContains(t, err, "invalid metric name")

	q := singleQuery("pg_ok", "", types.FieldInt)
	q.VarLabels = []string{"not valid"}
	_, err = New(q, nil)
	assert.ErrorContains(t, err, "invalid variable label name")

	q = singleQuery("pg_ok", "", types.FieldInt)
	q.Values.Fields = nil
	_, err = New(q, nil)
	assert.ErrorContains(t, err, "no values configured")
}

func TestShapes(t *testing.T) {
	tests := []struct {
		name      string
		fieldType types.FieldType
		varLabels []string
		want      shape
	}{
		{"ScalarInt", types.FieldInt, nil, scalarInt},
		{"ScalarFloat", types.FieldFloat, nil, scalarFloat},
		{"VectorInt", types.FieldInt, []string{"l"}, vectorInt},
		{"VectorFloat", types.FieldFloat, []string{"l"}, vectorFloat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := singleQuery("pg_shape", "v", tt.fieldType)
			q.VarLabels = tt.varLabels
			m, err := New(q, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.gauges[0].shape)
			assert.NotNil(t, m.gauges[0].collector())
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	q := singleQuery("pg_e", "", types.FieldInt)
	m, err := New(q, nil)
	require.NoError(t, err)
	m.LastUpdated = now.Add(-time.Hour)
	assert.False(t, m.Expired(now), "zero expiration never expires")

	q.MetricExpirationTime = time.Minute
	m, err = New(q, nil)
	require.NoError(t, err)
	m.LastUpdated = now.Add(-30 * time.Second)
	assert.False(t, m.Expired(now))
	m.LastUpdated = now.Add(-2 * time.Minute)
	assert.True(t, m.Expired(now))
}

func TestComposeReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	out, err := ComposeReply(reg)
	require.NoError(t, err)
	assert.Equal(t, "# no metrics found\n", out)

	m, err := New(singleQuery("pg_users", "", types.FieldInt), nil)
	require.NoError(t, err)
	require.NoError(t, m.Register(reg))
	mustUpdate(t, m, &db.Result{Columns: []string{"c"}, Rows: [][]any{{int64(7)}}})

	out, err = ComposeReply(reg)
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE pg_users gauge\n")
	assert.Contains(t, out, "pg_users 7\n")
}

func TestAbsentUntilRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(singleQuery("pg_late", "", types.FieldInt), nil)
	require.NoError(t, err)
	mustUpdate(t, m, &db.Result{Columns: []string{"c"}, Rows: [][]any{{int64(1)}}})

	out, err := ComposeReply(reg)
	require.NoError(t, err)
	assert.Equal(t, NoMetrics, out)
}
