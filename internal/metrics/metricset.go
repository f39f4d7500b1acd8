package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/barryq93/promPSQL/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

type shape int

const (
	scalarInt shape = iota
	scalarFloat
	vectorInt
	vectorFloat
)

func (s shape) String() string {
	switch s {
	case scalarFloat:
		return "scalar-float"
	case vectorInt:
		return "vector-int"
	case vectorFloat:
		return "vector-float"
	default:
		return "scalar-int"
	}
}

// gauge is one mapped value. Exactly one of scalar or vector is set,
// depending on shape.
type gauge struct {
	shape  shape
	name   string
	field  types.ValueField
	scalar prometheus.Gauge
	vector *prometheus.GaugeVec
}

func (g *gauge) collector() prometheus.Collector {
	switch g.shape {
	case scalarInt, scalarFloat:
		return g.scalar
	default:
		return g.vector
	}
}

func (g *gauge) fieldType() types.FieldType {
	switch g.shape {
	case scalarFloat, vectorFloat:
		return types.FieldFloat
	default:
		return types.FieldInt
	}
}

// MetricSet holds the gauges of one query together with its schedule.
type MetricSet struct {
	query      types.QuerySpec
	gauges     []*gauge
	registered bool

	// LastUpdated is the time of the last successful sample.
	LastUpdated time.Time
	// NextDue is when the query should run next.
	NextDue time.Time

	log *logrus.Entry
}

// New builds the gauges of q. Nothing is registered yet.
func New(q types.QuerySpec, log *logrus.Entry) (*MetricSet, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &MetricSet{
		query: q,
		log:   log.WithField("metric", q.MetricName),
	}
	if len(q.Values.Fields) == 0 {
		return nil, fmt.Errorf("metric %s: no values configured", q.MetricName)
	}
	for _, l := range q.VarLabels {
		if !model.LabelName(l).IsValid() {
			return nil, fmt.Errorf("metric %s: invalid variable label name '%s'", q.MetricName, l)
		}
	}

	for _, f := range q.Values.Fields {
		g, err := newGauge(q, f)
		if err != nil {
			return nil, err
		}
		m.gauges = append(m.gauges, g)
	}
	return m, nil
}

func newGauge(q types.QuerySpec, f types.ValueField) (*gauge, error) {
	opts := prometheus.GaugeOpts{
		Name:        q.MetricName,
		Help:        q.Description,
		ConstLabels: utils.MergeLabels(nil, q.ConstLabels),
	}
	switch q.Values.Kind {
	case types.MappingMultiLabel:
		opts.ConstLabels = utils.MergeLabels(f.Labels, q.ConstLabels)
	case types.MappingMultiSuffix:
		opts.Name = q.MetricName + "_" + f.Suffix
		opts.Help = q.Description + ": " + f.Suffix
	}

	if !model.IsValidMetricName(model.LabelValue(opts.Name)) {
		return nil, fmt.Errorf("invalid metric name '%s'", opts.Name)
	}
	for l := range opts.ConstLabels {
		if !model.LabelName(l).IsValid() {
			return nil, fmt.Errorf("metric %s: invalid label name '%s'", opts.Name, l)
		}
	}

	g := &gauge{name: opts.Name, field: f}
	vector := len(q.VarLabels) > 0
	switch {
	case vector && f.Type == types.FieldFloat:
		g.shape = vectorFloat
	case vector:
		g.shape = vectorInt
	case f.Type == types.FieldFloat:
		g.shape = scalarFloat
	default:
		g.shape = scalarInt
	}

	if vector {
		g.vector = prometheus.NewGaugeVec(opts, q.VarLabels)
	} else {
		g.scalar = prometheus.NewGauge(opts)
	}
	return g, nil
}

// Query returns the query the set was built from.
func (m *MetricSet) Query() types.QuerySpec { return m.query }

// Registered reports whether the gauges are currently exposed.
func (m *MetricSet) Registered() bool { return m.registered }

// Register adds every gauge to reg. Calling it on a registered set is a
// no-op. On failure the gauges registered so far are removed again.
func (m *MetricSet) Register(reg prometheus.Registerer) error {
	if m.registered {
		return nil
	}
	for i, g := range m.gauges {
		if err := reg.Register(g.collector()); err != nil {
			for _, done := range m.gauges[:i] {
				reg.Unregister(done.collector())
			}
			return fmt.Errorf("unable to register metric %s: %w", g.name, err)
		}
		m.log.WithField("shape", g.shape).Debugf("metric %s registered", g.name)
	}
	m.registered = true
	return nil
}

// Unregister removes every gauge from reg. Calling it on an unregistered
// set is a no-op.
func (m *MetricSet) Unregister(reg prometheus.Registerer) {
	if !m.registered {
		return
	}
	for _, g := range m.gauges {
		if !reg.Unregister(g.collector()) {
			m.log.Warnf("metric %s was not registered", g.name)
		}
	}
	m.registered = false
	m.log.Info("metrics unregistered")
}

// Expired reports whether the last successful sample is older than the
// expiration window. A zero window never expires.
func (m *MetricSet) Expired(now time.Time) bool {
	exp := m.query.MetricExpirationTime
	return exp > 0 && now.After(m.LastUpdated.Add(exp))
}

// Update applies res to every gauge. Scalar gauges read the first row only;
// vector gauges apply every row. Rows that cannot be extracted are skipped
// and reported in the returned error. sampled is false when res produced
// nothing usable: no value was set and extraction failed. A vector query
// returning zero rows without errors still counts as a sample.
func (m *MetricSet) Update(res *db.Result) (sampled bool, err error) {
	var errs []error
	set := 0
	for _, g := range m.gauges {
		switch g.shape {
		case scalarInt, scalarFloat:
			if err := m.updateScalar(g, res); err != nil {
				errs = append(errs, err)
			} else {
				set++
			}
		case vectorInt, vectorFloat:
			n, vecErrs := m.updateVector(g, res)
			set += n
			errs = append(errs, vecErrs...)
		}
	}
	return set > 0 || len(errs) == 0, errors.Join(errs...)
}

func (m *MetricSet) updateScalar(g *gauge, res *db.Result) error {
	col, ok := columnIndex(res, g.field.Field)
	if !ok {
		return &ExtractionError{Metric: g.name, Column: columnName(g.field.Field), Reason: "column not found"}
	}
	if len(res.Rows) == 0 {
		return &ExtractionError{Metric: g.name, Reason: "query returned no rows"}
	}
	if len(res.Rows) > 1 {
		m.log.WithField("rows", len(res.Rows)).Debug("using first row only")
	}
	v, err := numericValue(res.Rows[0][col], g.fieldType())
	if err != nil {
		return &ExtractionError{Metric: g.name, Column: res.Columns[col], Row: 0, Reason: err.Error()}
	}
	g.scalar.Set(v)
	return nil
}

func (m *MetricSet) updateVector(g *gauge, res *db.Result) (int, []error) {
	col, ok := columnIndex(res, g.field.Field)
	if !ok {
		return 0, []error{&ExtractionError{Metric: g.name, Column: columnName(g.field.Field), Reason: "column not found"}}
	}
	labelCols := make([]int, len(m.query.VarLabels))
	for i, l := range m.query.VarLabels {
		idx := res.ColumnIndex(l)
		if idx < 0 {
			return 0, []error{&ExtractionError{Metric: g.name, Column: l, Reason: "label column not found"}}
		}
		labelCols[i] = idx
	}

	var errs []error
	set := 0
	for r, row := range res.Rows {
		values := make([]string, len(labelCols))
		var rowErr error
		for i, idx := range labelCols {
			s, err := labelValue(row[idx])
			if err != nil {
				rowErr = &ExtractionError{Metric: g.name, Column: res.Columns[idx], Row: r, Reason: err.Error()}
				break
			}
			values[i] = s
		}
		if rowErr != nil {
			errs = append(errs, rowErr)
			continue
		}
		v, err := numericValue(row[col], g.fieldType())
		if err != nil {
			errs = append(errs, &ExtractionError{Metric: g.name, Column: res.Columns[col], Row: r, Reason: err.Error()})
			continue
		}
		g.vector.WithLabelValues(values...).Set(v)
		set++
	}
	return set, errs
}

func columnName(field string) string {
	if field == "" {
		return "#0"
	}
	return field
}
