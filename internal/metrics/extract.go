package metrics

import (
	"errors"
	"fmt"

	"github.com/barryq93/promPSQL/internal/db"
	"github.com/barryq93/promPSQL/internal/types"
	"github.com/jackc/pgx/v5/pgtype"
)

// ExtractionError is a failure to turn one result row into a gauge value.
// It never aborts the rest of an update.
type ExtractionError struct {
	Metric string
	Column string
	Row    int
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("metric %s: %s", e.Metric, e.Reason)
	}
	return fmt.Sprintf("metric %s: row %d, column '%s': %s", e.Metric, e.Row, e.Column, e.Reason)
}

// columnIndex resolves field to a result column. An empty field means
// column 0.
func columnIndex(res *db.Result, field string) (int, bool) {
	if field == "" {
		return 0, len(res.Columns) > 0
	}
	i := res.ColumnIndex(field)
	return i, i >= 0
}

// numericValue converts a driver value into a gauge value of kind t.
// Int gauges only take integers; float gauges also take integers and
// numerics.
func numericValue(v any, t types.FieldType) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case pgtype.Numeric:
		if t == types.FieldInt {
			i, err := n.Int64Value()
			if err != nil || !i.Valid {
				return 0, errors.New("numeric value is not an integer")
			}
			return float64(i.Int64), nil
		}
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return 0, errors.New("numeric value is not a number")
		}
		return f.Float64, nil
	case nil:
		return 0, errors.New("value is NULL")
	}

	if t == types.FieldFloat {
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		}
	}
	return 0, fmt.Errorf("cannot use %T as %s value", v, t)
}

func labelValue(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", errors.New("label value is NULL")
	default:
		return "", fmt.Errorf("cannot use %T as label value", v)
	}
}
