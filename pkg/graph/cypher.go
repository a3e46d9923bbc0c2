package graph

import (
	"fmt"
	"strings"
)

// Cypher renders op as a batched Cypher statement over the $rows parameter.
//
// Every row runs in its own CALL subquery, committed in inner transactions
// of subBatch rows. ON ERROR CONTINUE keeps later sub-batches running after
// a failure, and REPORT STATUS yields one status per row:
//
//	UNWIND $rows AS row
//	CALL {
//	  WITH row
//	  MERGE (n:`Patient` {`USUBJID`: row.key.`USUBJID`})
//	  SET n += row.props
//	} IN TRANSACTIONS OF 10000 ROWS ON ERROR CONTINUE REPORT STATUS AS s
//	RETURN row.subject AS subject, s.started AS started,
//	       s.committed AS committed, s.errorMessage AS errorMessage
//
// Edge statements OPTIONAL MATCH every endpoint, write only when all of them
// matched, and also return a matched flag so missing endpoints surface as
// row errors.
func Cypher(op *Operation, subBatch int) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	if subBatch <= 0 {
		subBatch = DefaultSubBatchSize
	}

	var b strings.Builder
	b.WriteString("UNWIND $rows AS row\nCALL {\n  WITH row\n")

	returns := "row.subject AS subject"
	switch op.Kind {
	case KindNodeUpsert:
		fmt.Fprintf(&b, "  MERGE (n%s %s)\n", labelExpr(op.Node.Labels), keyMap(op.Node.Keys, "row.key"))
		b.WriteString("  SET n += row.props\n")
	case KindEdgeCreate:
		writeEdgeBody(&b, op)
		returns += ", matched"
	}

	fmt.Fprintf(&b, "} IN TRANSACTIONS OF %d ROWS ON ERROR CONTINUE REPORT STATUS AS s\n", subBatch)
	fmt.Fprintf(&b, "RETURN %s, s.started AS started, s.committed AS committed, s.errorMessage AS errorMessage", returns)
	return b.String(), nil
}

// ConstraintCypher renders the uniqueness constraint that makes MERGE on p
// safe under concurrent writers. Only the first label is constrained:
//
//	CREATE CONSTRAINT IF NOT EXISTS FOR (n:`Visit`) REQUIRE (n.`Name`) IS UNIQUE
func ConstraintCypher(p NodePattern) string {
	props := make([]string, len(p.Keys))
	for i, k := range p.Keys {
		props[i] = "n." + quoteIdent(k)
	}
	return fmt.Sprintf("CREATE CONSTRAINT IF NOT EXISTS FOR (n:%s) REQUIRE (%s) IS UNIQUE",
		quoteIdent(p.Labels[0]), strings.Join(props, ", "))
}

func writeEdgeBody(b *strings.Builder, op *Operation) {
	aliases := make([]string, len(op.Match))
	conds := make([]string, len(op.Match))
	for i, m := range op.Match {
		aliases[i] = m.Alias
		conds[i] = m.Alias + " IS NOT NULL"
		source := "row.match." + m.Alias
		fmt.Fprintf(b, "  OPTIONAL MATCH (%s%s %s)\n", m.Alias, labelExpr(m.Labels), keyMap(m.Keys, source))
	}
	fmt.Fprintf(b, "  WITH row, %s, %s AS matched\n", strings.Join(aliases, ", "), strings.Join(conds, " AND "))
	b.WriteString("  FOREACH (_ IN CASE WHEN matched THEN [1] ELSE [] END |\n")
	for i, e := range op.Edges {
		verb := "CREATE"
		if e.Merge {
			verb = "MERGE"
		}
		fmt.Fprintf(b, "    %s (%s)-[r%d:%s]->(%s)\n", verb, e.From, i, quoteIdent(e.Type), e.To)
		fmt.Fprintf(b, "    SET r%d += row.edges[%d]\n", i, i)
	}
	b.WriteString("  )\n")
	b.WriteString("  WITH collect(matched) AS flags\n")
	b.WriteString("  RETURN any(f IN flags WHERE f) AS matched\n")
}

func labelExpr(labels []string) string {
	var b strings.Builder
	for _, l := range labels {
		b.WriteByte(':')
		b.WriteString(quoteIdent(l))
	}
	return b.String()
}

func keyMap(keys []string, source string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		q := quoteIdent(k)
		parts[i] = fmt.Sprintf("%s: %s.%s", q, source, q)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// quoteIdent backtick-quotes a label, type or property name.
func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// cypherRows converts params to the $rows list for op.
func cypherRows(op *Operation, params []Param) []any {
	rows := make([]any, len(params))
	for i, p := range params {
		row := map[string]any{"subject": p.Subject}
		switch op.Kind {
		case KindNodeUpsert:
			row["key"] = orEmpty(p.Key)
			row["props"] = orEmpty(p.Props)
		case KindEdgeCreate:
			match := make(map[string]any, len(op.Match))
			for _, m := range op.Match {
				match[m.Alias] = orEmpty(p.Match[m.Alias])
			}
			edges := make([]any, len(op.Edges))
			for j := range op.Edges {
				edges[j] = edgeProps(p, j)
			}
			row["match"] = match
			row["edges"] = edges
		}
		rows[i] = row
	}
	return rows
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
