package pipeline

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
	"github.com/stratumdb/stratum/core/internal/qcode"
)

// compileMatch appends a WHERE-style filter to the current tree level.
func compileMatch(c *Compiler, spec bsonval.Value, q *qcode.Select, bctx *qcode.BuildContext) (*qcode.Select, error) {
	doc, err := specDoc("$match", spec)
	if err != nil {
		return nil, err
	}
	exp, err := CompileFilter(doc)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		q.Where = qcode.And(q.Where, exp)
	}
	return q, nil
}

// CompileFilter lowers a find/match filter document to an expression
// tree. Top-level entries are walked over an explicit stack; the arms of
// $and, $or and $nor compile through recursive calls.
func CompileFilter(doc bsonval.Document) (*qcode.Exp, error) {
	type frame struct {
		parent *qcode.Exp
		key    string
		val    bsonval.Value
	}
	var root *qcode.Exp

	elems, err := bsonval.Elements(doc)
	if err != nil {
		return nil, specInvalid("$match", "%v", err)
	}
	st := make([]frame, 0, len(elems))
	for i := len(elems) - 1; i >= 0; i-- {
		st = append(st, frame{key: elems[i].Name, val: elems[i].Value})
	}

	attach := func(parent, ex *qcode.Exp) {
		if parent != nil {
			parent.Children = append(parent.Children, ex)
			return
		}
		switch {
		case root == nil:
			root = ex
		case root.Op == qcode.OpAnd:
			root.Children = append(root.Children, ex)
		default:
			tmp := root
			root = qcode.NewExp(qcode.OpAnd)
			root.Children = append(root.Children, tmp, ex)
		}
	}

	for len(st) != 0 {
		f := st[len(st)-1]
		st = st[:len(st)-1]

		switch f.key {
		case "$and", "$or", "$nor":
			if f.val.Type != bsoncore.TypeArray {
				return nil, specInvalid("$match", "%s requires an array", f.key)
			}
			arms, err := bsonval.Elements(bsonval.Document(f.val.Data))
			if err != nil || len(arms) == 0 {
				return nil, specInvalid("$match", "%s requires a non-empty array", f.key)
			}
			var branch *qcode.Exp
			switch f.key {
			case "$and":
				branch = qcode.NewExp(qcode.OpAnd)
			case "$or":
				branch = qcode.NewExp(qcode.OpOr)
			default:
				branch = qcode.NewExp(qcode.OpNot)
				inner := qcode.NewExp(qcode.OpOr)
				branch.Children = append(branch.Children, inner)
				attach(f.parent, branch)
				for _, arm := range arms {
					sub, err := CompileFilter(bsonval.Document(arm.Value.Data))
					if err != nil {
						return nil, err
					}
					inner.Children = append(inner.Children, sub)
				}
				continue
			}
			attach(f.parent, branch)
			for _, arm := range arms {
				if arm.Value.Type != bsoncore.TypeEmbeddedDocument {
					return nil, specInvalid("$match", "%s arms must be documents", f.key)
				}
				sub, err := CompileFilter(bsonval.Document(arm.Value.Data))
				if err != nil {
					return nil, err
				}
				branch.Children = append(branch.Children, sub)
			}
			continue

		case "$expr":
			// aggregation expression evaluated per document; carries
			// $$-variable references ($let, lookup let bindings)
			ex := qcode.NewExp(qcode.OpExpr)
			ex.Val = f.val
			attach(f.parent, ex)
			continue

		case "$jsonSchema", "$where":
			return nil, notSupported(f.key, "not lowerable to the row store")

		case "$comment":
			continue
		}

		if strings.HasPrefix(f.key, "$") {
			return nil, specInvalid("$match", "unknown top-level operator %s", f.key)
		}

		exps, err := compilePathCondition(f.key, f.val)
		if err != nil {
			return nil, err
		}
		for _, ex := range exps {
			attach(f.parent, ex)
		}
	}
	return root, nil
}

// compilePathCondition lowers one {path: condition} entry.
func compilePathCondition(path string, cond bsonval.Value) ([]*qcode.Exp, error) {
	if cond.Type == bsoncore.TypeEmbeddedDocument && firstKeyIsOperator(bsonval.Document(cond.Data)) {
		ops, err := bsonval.Elements(bsonval.Document(cond.Data))
		if err != nil {
			return nil, specInvalid("$match", "%v", err)
		}
		var out []*qcode.Exp
		var regexEx *qcode.Exp
		var regexOpts string
		for _, o := range ops {
			if o.Name == "$options" {
				regexOpts, _ = valueString(o.Value)
				continue
			}
			ex, err := compileOperator(path, o.Name, o.Value)
			if err != nil {
				return nil, err
			}
			if o.Name == "$regex" {
				regexEx = ex
			}
			out = append(out, ex)
		}
		if regexEx != nil && strings.Contains(regexOpts, "i") {
			if pat, ok := valueString(regexEx.Val); ok {
				regexEx.Val = stringVal("(?i)" + pat)
			}
		}
		return out, nil
	}
	ex := qcode.NewExp(qcode.OpEquals)
	ex.Path = path
	ex.Val = cond
	return []*qcode.Exp{ex}, nil
}

func compileOperator(path, op string, arg bsonval.Value) (*qcode.Exp, error) {
	mk := func(o qcode.ExpOp) *qcode.Exp {
		ex := qcode.NewExp(o)
		ex.Path = path
		ex.Val = arg
		return ex
	}
	switch op {
	case "$eq":
		return mk(qcode.OpEquals), nil
	case "$ne":
		return mk(qcode.OpNotEquals), nil
	case "$gt":
		return mk(qcode.OpGreaterThan), nil
	case "$gte":
		return mk(qcode.OpGreaterOrEquals), nil
	case "$lt":
		return mk(qcode.OpLesserThan), nil
	case "$lte":
		return mk(qcode.OpLesserOrEquals), nil
	case "$in":
		if arg.Type != bsoncore.TypeArray {
			return nil, specInvalid("$match", "$in requires an array")
		}
		return mk(qcode.OpIn), nil
	case "$nin":
		if arg.Type != bsoncore.TypeArray {
			return nil, specInvalid("$match", "$nin requires an array")
		}
		return mk(qcode.OpNotIn), nil
	case "$exists":
		if truthyValue(arg) {
			return mk(qcode.OpExists), nil
		}
		return mk(qcode.OpNotExists), nil
	case "$regex":
		return mk(qcode.OpRegex), nil
	case "$mod":
		return mk(qcode.OpMod), nil
	case "$size":
		return mk(qcode.OpSize), nil
	case "$type":
		return mk(qcode.OpType), nil
	case "$all":
		if arg.Type != bsoncore.TypeArray {
			return nil, specInvalid("$match", "$all requires an array")
		}
		return mk(qcode.OpAll), nil
	case "$elemMatch":
		if arg.Type != bsoncore.TypeEmbeddedDocument {
			return nil, specInvalid("$match", "$elemMatch requires a document")
		}
		return mk(qcode.OpElemMatch), nil
	case "$not":
		inner, err := compilePathCondition(path, arg)
		if err != nil {
			return nil, err
		}
		ex := qcode.NewExp(qcode.OpNot)
		ex.Children = append(ex.Children, inner...)
		return ex, nil
	case "$bitsAllSet":
		return mk(qcode.OpBitsAllSet), nil
	case "$bitsAnySet":
		return mk(qcode.OpBitsAnySet), nil
	case "$bitsAllClear":
		return mk(qcode.OpBitsAllClear), nil
	case "$bitsAnyClear":
		return mk(qcode.OpBitsAnyClear), nil
	case "$geoWithin":
		return mk(qcode.OpGeoWithin), nil
	case "$geoIntersects":
		return mk(qcode.OpGeoIntersects), nil
	case "$near", "$nearSphere":
		return mk(qcode.OpGeoNear), nil
	default:
		return nil, specInvalid("$match", "unknown operator %s", op)
	}
}

// stringVal encodes s as a BSON string value.
func stringVal(s string) bsonval.Value {
	b := make([]byte, 0, len(s)+5)
	n := len(s) + 1
	b = append(b, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	b = append(b, s...)
	b = append(b, 0)
	return bsonval.Value{Type: bsoncore.TypeString, Data: b}
}

func firstKeyIsOperator(d bsonval.Document) bool {
	it, err := bsonval.Iterate(d)
	if err != nil {
		return false
	}
	k, _, ok := it.Next()
	return ok && strings.HasPrefix(k, "$")
}

func truthyValue(v bsonval.Value) bool {
	switch v.Type {
	case bsoncore.TypeBoolean:
		return v.Data[0] != 0
	case bsoncore.TypeInt32:
		return v.Data[0] != 0 || v.Data[1] != 0 || v.Data[2] != 0 || v.Data[3] != 0
	case bsoncore.TypeInt64, bsoncore.TypeDouble:
		for _, b := range v.Data {
			if b != 0 {
				return true
			}
		}
		return false
	default:
		return true
	}
}
