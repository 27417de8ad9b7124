package rowstore

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/project"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// $redact control markers, bound as system variables during evaluation.
const (
	redactDescend = "__redact_descend"
	redactPrune   = "__redact_prune"
	redactKeep    = "__redact_keep"
)

func (ex *Executor) applyRedact(expr bsonval.Value, docs []bsonval.Document) ([]bsonval.Document, error) {
	out := make([]bsonval.Document, 0, len(docs))
	for _, d := range docs {
		nd, keep, err := ex.redactDoc(expr, d, 0)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, nd)
		}
	}
	return out, nil
}

func (ex *Executor) redactDoc(expr bsonval.Value, doc bsonval.Document, depth int) (bsonval.Document, bool, error) {
	if depth > bsonval.MaxDepth {
		return nil, false, fmt.Errorf("BadValue: $redact recursion too deep")
	}
	vars := project.NewVariables(doc, ex.Snapshot)
	vars.Bind("DESCEND", redactMarker(redactDescend))
	vars.Bind("PRUNE", redactMarker(redactPrune))
	vars.Bind("KEEP", redactMarker(redactKeep))

	v, _, err := project.EvalExpr(expr, doc, vars)
	if err != nil {
		return nil, false, err
	}
	marker, _ := valueStr(v)
	switch marker {
	case redactPrune:
		return nil, false, nil
	case redactKeep:
		return doc, true, nil
	case redactDescend:
		w := bsonval.NewDocWriter()
		elems, err := bsonval.Elements(doc)
		if err != nil {
			return nil, false, err
		}
		for _, e := range elems {
			switch e.Value.Type {
			case bsoncore.TypeEmbeddedDocument:
				sub, keep, err := ex.redactDoc(expr, bsonval.Document(e.Value.Data), depth+1)
				if err != nil {
					return nil, false, err
				}
				if keep {
					w.AppendValue(e.Name, bsonval.DocValue(sub))
				}
			case bsoncore.TypeArray:
				av, err := ex.redactArray(expr, bsonval.Document(e.Value.Data), depth+1)
				if err != nil {
					return nil, false, err
				}
				w.AppendValue(e.Name, av)
			default:
				w.AppendValue(e.Name, e.Value)
			}
		}
		return w.Finish(), true, nil
	default:
		return nil, false, fmt.Errorf("BadValue: $redact must resolve to $$DESCEND, $$PRUNE or $$KEEP")
	}
}

func (ex *Executor) redactArray(expr bsonval.Value, arr bsonval.Document, depth int) (bsonval.Value, error) {
	aw := bsonval.NewArrayWriter()
	elems, err := bsonval.Elements(arr)
	if err != nil {
		return bsonval.Value{}, err
	}
	for _, e := range elems {
		switch e.Value.Type {
		case bsoncore.TypeEmbeddedDocument:
			sub, keep, err := ex.redactDoc(expr, bsonval.Document(e.Value.Data), depth+1)
			if err != nil {
				return bsonval.Value{}, err
			}
			if keep {
				aw.AppendDoc(sub)
			}
		case bsoncore.TypeArray:
			av, err := ex.redactArray(expr, bsonval.Document(e.Value.Data), depth+1)
			if err != nil {
				return bsonval.Value{}, err
			}
			aw.AppendValue(av)
		default:
			aw.AppendValue(e.Value)
		}
	}
	return bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}, nil
}

func redactMarker(s string) bsonval.Value {
	b := make([]byte, 0, len(s)+5)
	n := len(s) + 1
	b = append(b, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	b = append(b, s...)
	b = append(b, 0)
	return bsonval.Value{Type: bsoncore.TypeString, Data: b}
}

// applyDensify inserts synthetic rows so the field steps through its
// range without gaps.
func (ex *Executor) applyDensify(d *qcode.Densify, docs []bsonval.Document) ([]bsonval.Document, error) {
	parts, order := partitionDocs(docs, d.PartitionByFields)

	// full bounds consider every partition
	var globalMin, globalMax float64
	haveGlobal := false
	if d.BoundsKind == "full" {
		for _, idxs := range parts {
			for _, i := range idxs {
				if f, ok := numericField(docs[i], d.Field); ok {
					if !haveGlobal || f < globalMin {
						globalMin = f
					}
					if !haveGlobal || f > globalMax {
						globalMax = f
					}
					haveGlobal = true
				}
			}
		}
	}

	var out []bsonval.Document
	for _, key := range order {
		idxs := parts[key]
		present := map[float64]bool{}
		var lo, hi float64
		have := false
		for _, i := range idxs {
			if f, ok := numericField(docs[i], d.Field); ok {
				present[f] = true
				if !have || f < lo {
					lo = f
				}
				if !have || f > hi {
					hi = f
				}
				have = true
			}
		}
		switch d.BoundsKind {
		case "full":
			if haveGlobal {
				lo, hi, have = globalMin, globalMax, true
			}
		case "explicit":
			lf, ok1 := valueFloat(d.Lower)
			uf, ok2 := valueFloat(d.Upper)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("BadValue: $densify bounds must be numeric")
			}
			lo, hi, have = lf, uf, true
		}
		for _, i := range idxs {
			out = append(out, docs[i])
		}
		if !have {
			continue
		}
		for v := lo; v < hi; v += d.Step {
			if present[v] {
				continue
			}
			w := bsonval.NewDocWriter()
			for _, pf := range d.PartitionByFields {
				if pv, ok := bsonval.ExtractPath(bsonval.DocValue(docs[idxs[0]]), pf, bsonval.ExtractOptions{}); ok {
					w.AppendValue(pf, pv)
				}
			}
			w.AppendDouble(d.Field, v)
			out = append(out, w.Finish())
		}
	}
	ex.sortDocs([]qcode.OrderBy{{Path: d.Field}}, out)
	return out, nil
}

// applyFill fills null/missing output fields per partition.
func (ex *Executor) applyFill(f *qcode.Fill, docs []bsonval.Document) ([]bsonval.Document, error) {
	parts, order := partitionDocs(docs, f.PartitionByFields)
	result := make([]bsonval.Document, len(docs))
	copy(result, docs)

	for _, key := range order {
		idxs := parts[key]
		if len(f.SortBy) != 0 {
			sort.SliceStable(idxs, func(a, b int) bool {
				return ex.docLess(f.SortBy, result[idxs[a]], result[idxs[b]])
			})
		}
		for field, value := range f.Values {
			for _, i := range idxs {
				if fieldIsMissingOrNull(result[i], field) {
					result[i] = setField(result[i], field, value)
				}
			}
		}
		for field, method := range f.Methods {
			switch method {
			case "locf":
				var last bsonval.Value
				haveLast := false
				for _, i := range idxs {
					if fieldIsMissingOrNull(result[i], field) {
						if haveLast {
							result[i] = setField(result[i], field, last)
						}
						continue
					}
					v, _ := bsonval.ExtractPath(bsonval.DocValue(result[i]), field, bsonval.ExtractOptions{})
					last = copyValue(v)
					haveLast = true
				}
			case "linear":
				fillLinear(ex, result, idxs, field)
			}
		}
	}
	return result, nil
}

// fillLinear interpolates numeric gaps between known values.
func fillLinear(ex *Executor, docs []bsonval.Document, idxs []int, field string) {
	type known struct {
		pos int
		val float64
	}
	var ks []known
	for n, i := range idxs {
		if f, ok := numericField(docs[i], field); ok {
			ks = append(ks, known{pos: n, val: f})
		}
	}
	for k := 0; k+1 < len(ks); k++ {
		a, b := ks[k], ks[k+1]
		span := b.pos - a.pos
		if span <= 1 {
			continue
		}
		stepv := (b.val - a.val) / float64(span)
		for n := a.pos + 1; n < b.pos; n++ {
			i := idxs[n]
			if fieldIsMissingOrNull(docs[i], field) {
				docs[i] = setField(docs[i], field, doubleValue(a.val+stepv*float64(n-a.pos)))
			}
		}
	}
}

func fieldIsMissingOrNull(doc bsonval.Document, field string) bool {
	v, ok := bsonval.ExtractPath(bsonval.DocValue(doc), field, bsonval.ExtractOptions{})
	return !ok || v.Type == bsoncore.TypeNull
}

func numericField(doc bsonval.Document, field string) (float64, bool) {
	v, ok := bsonval.ExtractPath(bsonval.DocValue(doc), field, bsonval.ExtractOptions{})
	if !ok {
		return 0, false
	}
	return valueFloat(v)
}

// partitionDocs groups document indices by the joined partition-field
// values, preserving first-appearance order.
func partitionDocs(docs []bsonval.Document, fields []string) (map[string][]int, []string) {
	parts := map[string][]int{}
	var order []string
	for i, d := range docs {
		var sb strings.Builder
		for _, f := range fields {
			if v, ok := bsonval.ExtractPath(bsonval.DocValue(d), f, bsonval.ExtractOptions{}); ok {
				fmt.Fprintf(&sb, "%d|%x;", v.Type, v.Data)
			} else {
				sb.WriteString("_;")
			}
		}
		key := sb.String()
		if _, ok := parts[key]; !ok {
			order = append(order, key)
		}
		parts[key] = append(parts[key], i)
	}
	return parts, order
}
