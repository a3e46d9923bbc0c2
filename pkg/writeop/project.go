package writeop

import (
	"fmt"
	"math"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/orneryd/trialgraph/pkg/dataset"
	"github.com/orneryd/trialgraph/pkg/graph"
	"github.com/orneryd/trialgraph/pkg/pool"
)

// params binds rows to the operation's store parameters. Every map in the
// result comes from the pool; callers hand them back with release.
func (op *Operation) params(rows []dataset.Row) []graph.Param {
	rows = op.distinct(rows)

	switch op.desc.Kind {
	case CategoricalNodeUpsert:
		return op.categoricalParams(rows)
	case EdgeCreate:
		out := make([]graph.Param, len(rows))
		for i, row := range rows {
			out[i] = op.edgeParam(i, row)
		}
		return out
	default:
		out := make([]graph.Param, len(rows))
		for i, row := range rows {
			out[i] = graph.Param{
				Subject: op.subjectOf(i, row),
				Key:     project(op.desc.Key, row),
				Props:   project(op.desc.Properties, row),
			}
		}
		return out
	}
}

func (op *Operation) edgeParam(i int, row dataset.Row) graph.Param {
	p := graph.Param{
		Subject:   op.subjectOf(i, row),
		Match:     make(map[string]map[string]any, len(op.desc.Match)),
		EdgeProps: make([]map[string]any, len(op.desc.Edges)),
	}
	for _, m := range op.desc.Match {
		p.Match[m.Alias] = project(m.Key, row)
	}
	for j, e := range op.desc.Edges {
		p.EdgeProps[j] = project(e.Properties, row)
	}
	return p
}

// categoricalParams upserts one node per distinct non-null value of the
// categorical column, in first-seen order.
func (op *Operation) categoricalParams(rows []dataset.Row) []graph.Param {
	col := op.categorical.Column
	seen := make(map[xxh3.Uint128]struct{})
	var out []graph.Param
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		h := hashValues(row, []string{col})
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, graph.Param{
			Subject: fmt.Sprint(v),
			Key:     project(op.desc.Key, row),
			Props:   project(op.desc.Properties, row),
		})
	}
	return out
}

// distinct drops rows that repeat an earlier row on DistinctOn.
func (op *Operation) distinct(rows []dataset.Row) []dataset.Row {
	cols := op.desc.DistinctOn
	if len(cols) == 0 {
		return rows
	}
	seen := make(map[xxh3.Uint128]struct{}, len(rows))
	out := make([]dataset.Row, 0, len(rows))
	for _, row := range rows {
		h := hashValues(row, cols)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, row)
	}
	return out
}

func (op *Operation) subjectOf(i int, row dataset.Row) string {
	if op.subject == "" {
		return "row " + strconv.Itoa(i)
	}
	v := row[op.subject]
	if v == nil {
		return fmt.Sprintf("row %d (%s missing)", i, op.subject)
	}
	if f, ok := v.(float64); ok {
		return op.subject + "=" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprintf("%s=%v", op.subject, v)
}

func project(fields []Field, row dataset.Row) map[string]any {
	m := pool.GetMap()
	for _, f := range fields {
		if f.HasValue {
			m[f.Property] = f.Value
			continue
		}
		m[f.Property] = row[f.Column]
	}
	return m
}

// release hands the parameter maps back to the pool.
func release(params []graph.Param) {
	for _, p := range params {
		pool.PutMap(p.Key)
		pool.PutMap(p.Props)
		for _, m := range p.Match {
			pool.PutMap(m)
		}
		pool.PutMaps(p.EdgeProps...)
	}
}

// hashValues hashes the values of cols in row. Values are type-tagged and
// length-prefixed, so "1" and 1.0 or ("a", "bc") and ("ab", "c") differ.
func hashValues(row dataset.Row, cols []string) xxh3.Uint128 {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	for _, c := range cols {
		*buf = appendValue(*buf, row[c])
	}
	return xxh3.Hash128(*buf)
}

func appendValue(b []byte, v any) []byte {
	switch x := v.(type) {
	case nil:
		return append(b, 'n')
	case string:
		b = append(b, 's')
		b = strconv.AppendInt(b, int64(len(x)), 10)
		b = append(b, ':')
		return append(b, x...)
	case float64:
		b = append(b, 'f')
		b = strconv.AppendUint(b, math.Float64bits(x), 16)
		return append(b, ';')
	default:
		s := fmt.Sprintf("%T:%v", v, v)
		b = append(b, 'x')
		b = strconv.AppendInt(b, int64(len(s)), 10)
		b = append(b, ':')
		return append(b, s...)
	}
}
