package project

import (
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// EvalExpr evaluates an aggregation expression against doc under vars.
// Field paths ("$a.b"), variables ("$$NOW"), literals, operator documents
// and literal documents/arrays are supported. Missing paths evaluate to
// an absent value (zero Value, false).
func EvalExpr(expr bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	switch expr.Type {
	case bsoncore.TypeString:
		s, ok := stringData(expr.Data)
		if !ok {
			return bsonval.Value{}, false, nil
		}
		if strings.HasPrefix(s, "$$") {
			return evalVariable(s[2:], doc, vars)
		}
		if strings.HasPrefix(s, "$") {
			v, found := bsonval.ExtractPath(bsonval.DocValue(doc), s[1:], bsonval.ExtractOptions{})
			return v, found, nil
		}
		return expr, true, nil

	case bsoncore.TypeEmbeddedDocument:
		d := bsonval.Document(expr.Data)
		if op, arg, ok := firstDollarKey(d); ok {
			return evalOperator(op, arg, doc, vars)
		}
		// literal document: evaluate each field
		w := bsonval.NewDocWriter()
		it, err := bsonval.Iterate(d)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		for {
			k, fv, ok := it.Next()
			if !ok {
				break
			}
			ev, found, err := EvalExpr(fv, doc, vars)
			if err != nil {
				return bsonval.Value{}, false, err
			}
			if found {
				w.AppendValue(k, ev)
			}
		}
		return bsonval.DocValue(w.Finish()), true, nil

	case bsoncore.TypeArray:
		aw := bsonval.NewArrayWriter()
		it, err := bsonval.Iterate(bsonval.Document(expr.Data))
		if err != nil {
			return bsonval.Value{}, false, err
		}
		for {
			_, fv, ok := it.Next()
			if !ok {
				break
			}
			ev, found, err := EvalExpr(fv, doc, vars)
			if err != nil {
				return bsonval.Value{}, false, err
			}
			if !found {
				ev = bsonval.Null()
			}
			aw.AppendValue(ev)
		}
		return bsonval.Value{Type: bsoncore.TypeArray, Data: aw.Finish()}, true, nil

	default:
		return expr, true, nil
	}
}

func evalVariable(name string, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	// "$$v.sub" addresses into the bound value
	seg := name
	rest := ""
	if i := strings.IndexByte(name, '.'); i >= 0 {
		seg, rest = name[:i], name[i+1:]
	}
	if vars == nil {
		return bsonval.Value{}, false, fmt.Errorf("BadValue: undefined variable $$%s", seg)
	}
	v, ok := vars.Lookup(seg)
	if !ok {
		return bsonval.Value{}, false, fmt.Errorf("BadValue: undefined variable $$%s", seg)
	}
	if rest == "" {
		return v, true, nil
	}
	out, found := bsonval.ExtractPath(v, rest, bsonval.ExtractOptions{})
	return out, found, nil
}

func evalOperator(op string, arg bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	switch op {
	case "$literal":
		return arg, true, nil

	case "$add", "$subtract", "$multiply", "$divide", "$mod":
		return evalArith(op, arg, doc, vars)

	case "$concat":
		args, err := evalArgs(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		var sb strings.Builder
		for _, a := range args {
			if a.Type == bsoncore.TypeNull || a.Type == 0 {
				return bsonval.Null(), true, nil
			}
			s, ok := stringData(a.Data)
			if a.Type != bsoncore.TypeString || !ok {
				return bsonval.Value{}, false, fmt.Errorf("TypeMismatch: $concat requires strings")
			}
			sb.WriteString(s)
		}
		return stringValue(sb.String()), true, nil

	case "$toUpper", "$toLower":
		v, _, err := evalSingle(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		s, _ := stringData(v.Data)
		if v.Type != bsoncore.TypeString {
			s = ""
		}
		if op == "$toUpper" {
			s = strings.ToUpper(s)
		} else {
			s = strings.ToLower(s)
		}
		return stringValue(s), true, nil

	case "$ifNull":
		args, err := evalArgsKeepMissing(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		for _, a := range args {
			if a.Type != 0 && a.Type != bsoncore.TypeNull {
				return a, true, nil
			}
		}
		return bsonval.Null(), true, nil

	case "$cond":
		return evalCond(arg, doc, vars)

	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte", "$cmp":
		args, err := evalArgs(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		if len(args) != 2 {
			return bsonval.Value{}, false, fmt.Errorf("BadValue: %s requires 2 arguments", op)
		}
		c := bsonval.Compare(args[0], args[1], nil)
		if op == "$cmp" {
			return int32Val(int32(c)), true, nil
		}
		var r bool
		switch op {
		case "$eq":
			r = c == 0
		case "$ne":
			r = c != 0
		case "$gt":
			r = c > 0
		case "$gte":
			r = c >= 0
		case "$lt":
			r = c < 0
		case "$lte":
			r = c <= 0
		}
		return boolValue(r), true, nil

	case "$and", "$or":
		args, err := evalArgs(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		res := op == "$and"
		for _, a := range args {
			if op == "$and" {
				res = res && truthy(a)
			} else {
				res = res || truthy(a)
			}
		}
		return boolValue(res), true, nil

	case "$not":
		v, _, err := evalSingle(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		return boolValue(!truthy(v)), true, nil

	case "$size":
		v, found, err := evalSingle(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		if !found || v.Type != bsoncore.TypeArray {
			return bsonval.Value{}, false, fmt.Errorf("TypeMismatch: $size requires an array")
		}
		return int32Val(int32(bsonval.ArrayLen(bsonval.Document(v.Data)))), true, nil

	case "$arrayElemAt":
		args, err := evalArgs(arg, doc, vars)
		if err != nil {
			return bsonval.Value{}, false, err
		}
		if len(args) != 2 || args[0].Type != bsoncore.TypeArray {
			return bsonval.Value{}, false, fmt.Errorf("BadValue: $arrayElemAt requires [array, idx]")
		}
		idx, ok := intArg(args[1])
		if !ok {
			return bsonval.Value{}, false, fmt.Errorf("TypeMismatch: $arrayElemAt index")
		}
		arr := bsonval.Document(args[0].Data)
		n := bsonval.ArrayLen(arr)
		if idx < 0 {
			idx += int64(n)
		}
		if idx < 0 || idx >= int64(n) {
			return bsonval.Value{}, false, nil
		}
		v, _ := bsonval.ExtractPath(args[0], fmt.Sprintf("%d", idx), bsonval.ExtractOptions{})
		return v, true, nil

	case "$let":
		return evalLet(arg, doc, vars)

	default:
		return bsonval.Value{}, false, fmt.Errorf("BadValue: unknown expression operator %s", op)
	}
}

func evalArith(op string, arg bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	args, err := evalArgs(arg, doc, vars)
	if err != nil {
		return bsonval.Value{}, false, err
	}
	if len(args) == 0 {
		return bsonval.Null(), true, nil
	}
	acc, ok := floatArg(args[0])
	if !ok {
		return bsonval.Null(), true, nil
	}
	for _, a := range args[1:] {
		f, ok := floatArg(a)
		if !ok {
			return bsonval.Null(), true, nil
		}
		switch op {
		case "$add":
			acc += f
		case "$subtract":
			acc -= f
		case "$multiply":
			acc *= f
		case "$divide":
			if f == 0 {
				return bsonval.Value{}, false, fmt.Errorf("BadValue: division by zero")
			}
			acc /= f
		case "$mod":
			if f == 0 {
				return bsonval.Value{}, false, fmt.Errorf("BadValue: division by zero")
			}
			acc = math.Mod(acc, f)
		}
	}
	if acc == math.Trunc(acc) && math.Abs(acc) < 1<<53 {
		return int64Val(int64(acc)), true, nil
	}
	return doubleValue(acc), true, nil
}

func evalCond(arg bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	var ifE, thenE, elseE bsonval.Value
	switch arg.Type {
	case bsoncore.TypeArray:
		elems, err := bsonval.Elements(bsonval.Document(arg.Data))
		if err != nil || len(elems) != 3 {
			return bsonval.Value{}, false, fmt.Errorf("BadValue: $cond requires 3 arguments")
		}
		ifE, thenE, elseE = elems[0].Value, elems[1].Value, elems[2].Value
	case bsoncore.TypeEmbeddedDocument:
		d := bsonval.Document(arg.Data)
		var ok1, ok2, ok3 bool
		ifE, ok1 = bsonval.Lookup(d, "if")
		thenE, ok2 = bsonval.Lookup(d, "then")
		elseE, ok3 = bsonval.Lookup(d, "else")
		if !ok1 || !ok2 || !ok3 {
			return bsonval.Value{}, false, fmt.Errorf("BadValue: $cond requires if/then/else")
		}
	default:
		return bsonval.Value{}, false, fmt.Errorf("BadValue: $cond requires arguments")
	}
	c, _, err := EvalExpr(ifE, doc, vars)
	if err != nil {
		return bsonval.Value{}, false, err
	}
	if truthy(c) {
		return EvalExpr(thenE, doc, vars)
	}
	return EvalExpr(elseE, doc, vars)
}

func evalLet(arg bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	if arg.Type != bsoncore.TypeEmbeddedDocument {
		return bsonval.Value{}, false, fmt.Errorf("BadValue: $let requires a document")
	}
	d := bsonval.Document(arg.Data)
	varsSpec, _ := bsonval.Lookup(d, "vars")
	inExpr, ok := bsonval.Lookup(d, "in")
	if !ok {
		return bsonval.Value{}, false, fmt.Errorf("BadValue: $let requires 'in'")
	}
	scope := vars
	if scope == nil {
		scope = NewVariables(doc, TimeSnapshot{})
	}
	child := scope.Child()
	if varsSpec.Type == bsoncore.TypeEmbeddedDocument {
		it, err := bsonval.Iterate(bsonval.Document(varsSpec.Data))
		if err != nil {
			return bsonval.Value{}, false, err
		}
		for {
			name, ve, ok := it.Next()
			if !ok {
				break
			}
			bound, found, err := EvalExpr(ve, doc, vars)
			if err != nil {
				return bsonval.Value{}, false, err
			}
			if !found {
				bound = bsonval.Null()
			}
			child.Bind(name, bound)
		}
	}
	return EvalExpr(inExpr, doc, child)
}

func evalArgs(arg bsonval.Value, doc bsonval.Document, vars *Variables) ([]bsonval.Value, error) {
	args, err := evalArgsKeepMissing(arg, doc, vars)
	if err != nil {
		return nil, err
	}
	for i, a := range args {
		if a.Type == 0 {
			args[i] = bsonval.Null()
		}
	}
	return args, nil
}

func evalArgsKeepMissing(arg bsonval.Value, doc bsonval.Document, vars *Variables) ([]bsonval.Value, error) {
	if arg.Type != bsoncore.TypeArray {
		v, found, err := EvalExpr(arg, doc, vars)
		if err != nil {
			return nil, err
		}
		if !found {
			v = bsonval.Value{}
		}
		return []bsonval.Value{v}, nil
	}
	it, err := bsonval.Iterate(bsonval.Document(arg.Data))
	if err != nil {
		return nil, err
	}
	var out []bsonval.Value
	for {
		_, ev, ok := it.Next()
		if !ok {
			return out, nil
		}
		v, found, err := EvalExpr(ev, doc, vars)
		if err != nil {
			return nil, err
		}
		if !found {
			v = bsonval.Value{}
		}
		out = append(out, v)
	}
}

func evalSingle(arg bsonval.Value, doc bsonval.Document, vars *Variables) (bsonval.Value, bool, error) {
	if arg.Type == bsoncore.TypeArray {
		elems, err := bsonval.Elements(bsonval.Document(arg.Data))
		if err != nil || len(elems) != 1 {
			return bsonval.Value{}, false, fmt.Errorf("BadValue: expected a single argument")
		}
		arg = elems[0].Value
	}
	return EvalExpr(arg, doc, vars)
}

func firstDollarKey(d bsonval.Document) (string, bsonval.Value, bool) {
	it, err := bsonval.Iterate(d)
	if err != nil {
		return "", bsonval.Value{}, false
	}
	k, v, ok := it.Next()
	if !ok || !strings.HasPrefix(k, "$") {
		return "", bsonval.Value{}, false
	}
	return k, v, true
}

func floatArg(v bsonval.Value) (float64, bool) {
	switch v.Type {
	case bsoncore.TypeInt32:
		i, _ := intArg(v)
		return float64(i), true
	case bsoncore.TypeInt64:
		i, _ := intArg(v)
		return float64(i), true
	case bsoncore.TypeDouble:
		f, ok := intOrFloat(v)
		return f, ok
	case bsoncore.TypeDateTime:
		return float64(int64(leUint64(v.Data))), true
	default:
		return 0, false
	}
}

func intOrFloat(v bsonval.Value) (float64, bool) {
	if len(v.Data) < 8 {
		return 0, false
	}
	return math.Float64frombits(leUint64(v.Data)), true
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func stringValue(s string) bsonval.Value {
	b := make([]byte, 0, len(s)+5)
	b = append(b, byte(len(s)+1), byte((len(s)+1)>>8), byte((len(s)+1)>>16), byte((len(s)+1)>>24))
	b = append(b, s...)
	b = append(b, 0)
	return bsonval.Value{Type: bsoncore.TypeString, Data: b}
}

func boolValue(b bool) bsonval.Value {
	if b {
		return bsonval.Value{Type: bsoncore.TypeBoolean, Data: []byte{1}}
	}
	return bsonval.Value{Type: bsoncore.TypeBoolean, Data: []byte{0}}
}

func int32Val(i int32) bsonval.Value {
	return bsonval.Value{Type: bsoncore.TypeInt32, Data: []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}}
}

func int64Val(i int64) bsonval.Value {
	return bsonval.Value{Type: bsoncore.TypeInt64, Data: appendInt64(nil, i)}
}

func doubleValue(f float64) bsonval.Value {
	bits := math.Float64bits(f)
	return bsonval.Value{Type: bsoncore.TypeDouble, Data: appendInt64(nil, int64(bits))}
}
