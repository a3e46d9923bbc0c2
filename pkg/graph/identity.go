package graph

import (
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/trialgraph/pkg/pool"
	"github.com/orneryd/trialgraph/pkg/storage"
)

// NullKeyError reports an entity key with a missing value. Such a row cannot
// address a node.
type NullKeyError struct {
	Property string
}

func (e *NullKeyError) Error() string {
	return fmt.Sprintf("null value for key property %q", e.Property)
}

// NodeIdentity derives the node ID for an entity key. The ID depends only on
// the label set (order-insensitive) and the key property values, so equal
// entity keys always resolve to the same node.
func NodeIdentity(labels []string, keys []string, values map[string]any) (storage.NodeID, error) {
	sorted := pool.GetStringSlice()
	defer pool.PutStringSlice(sorted)
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	*sorted = append(*sorted, labels...)
	sort.Strings(*sorted)
	for _, l := range *sorted {
		*buf = append(*buf, 'L')
		*buf = appendField(*buf, l)
	}

	*sorted = append((*sorted)[:0], keys...)
	sort.Strings(*sorted)
	for _, k := range *sorted {
		v, ok := values[k]
		if !ok || v == nil {
			return "", &NullKeyError{Property: k}
		}
		*buf = append(*buf, 'K')
		*buf = appendField(*buf, k)
		*buf = appendField(*buf, canonicalValue(v))
	}

	sum := blake2b.Sum256(*buf)
	return storage.NodeID("n-" + hex.EncodeToString(sum[:16])), nil
}

// MergedEdgeIdentity derives the ID of a merged relationship, which is unique
// per (start, type, end).
func MergedEdgeIdentity(start storage.NodeID, edgeType string, end storage.NodeID) storage.EdgeID {
	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	*buf = appendField(*buf, string(start))
	*buf = appendField(*buf, edgeType)
	*buf = appendField(*buf, string(end))
	sum := blake2b.Sum256(*buf)
	return storage.EdgeID("e-" + hex.EncodeToString(sum[:16]))
}

// appendField appends a length-prefixed field so that concatenations cannot
// collide.
func appendField(b []byte, s string) []byte {
	b = strconv.AppendInt(b, int64(len(s)), 10)
	b = append(b, ':')
	return append(b, s...)
}

// canonicalValue renders a key value with a type tag. Integral numbers of
// any Go numeric type render identically.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case string:
		return "s" + x
	case bool:
		return "b" + strconv.FormatBool(x)
	case float64:
		return "f" + formatFloat(x)
	case float32:
		return "f" + formatFloat(float64(x))
	case int:
		return "f" + formatFloat(float64(x))
	case int64:
		return "f" + formatFloat(float64(x))
	case int32:
		return "f" + formatFloat(float64(x))
	default:
		return fmt.Sprintf("x%T:%v", v, v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
