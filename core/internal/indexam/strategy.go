// Package indexam hosts the capability-driven registry of index access
// methods. Entries are immutable after registration; the pipeline
// compiler consults capability predicates for index selection and the
// row store resolves operator strategies through the registered
// callbacks.
package indexam

// Strategy tags which operator an index entry satisfies. Strategies whose
// name starts with "not-" are negation strategies: index results must be
// wrapped with an anti-match.
type Strategy int

const (
	StrategyInvalid Strategy = iota
	StrategyEqual
	StrategyGreater
	StrategyGreaterEqual
	StrategyLess
	StrategyLessEqual
	StrategyIn
	StrategyNotEqual
	StrategyNotIn
	StrategyRegex
	StrategyExists
	StrategySize
	StrategyType
	StrategyAll
	StrategyBitsAllClear
	StrategyBitsAnyClear
	StrategyBitsAllSet
	StrategyBitsAnySet
	StrategyMod
	StrategyOrderBy
	StrategyText
	StrategyGeoWithin
	StrategyGeoIntersects
	StrategyRange
	StrategyNotGt
	StrategyNotGte
	StrategyNotLt
	StrategyNotLte
	StrategyGeoNear
	StrategyGeoNearRange
	StrategyCompositeQuery
	StrategyIsMultikey
	StrategyOrderByReverse
	StrategyHasTruncatedTerms
)

var strategyNames = map[Strategy]string{
	StrategyEqual:             "equal",
	StrategyGreater:           "greater",
	StrategyGreaterEqual:      "greater-equal",
	StrategyLess:              "less",
	StrategyLessEqual:         "less-equal",
	StrategyIn:                "in",
	StrategyNotEqual:          "not-equal",
	StrategyNotIn:             "not-in",
	StrategyRegex:             "regex",
	StrategyExists:            "exists",
	StrategySize:              "size",
	StrategyType:              "type",
	StrategyAll:               "all",
	StrategyBitsAllClear:      "bits-all-clear",
	StrategyBitsAnyClear:      "bits-any-clear",
	StrategyBitsAllSet:        "bits-all-set",
	StrategyBitsAnySet:        "bits-any-set",
	StrategyMod:               "mod",
	StrategyOrderBy:           "order-by",
	StrategyText:              "text",
	StrategyGeoWithin:         "geo-within",
	StrategyGeoIntersects:     "geo-intersects",
	StrategyRange:             "range",
	StrategyNotGt:             "not-gt",
	StrategyNotGte:            "not-gte",
	StrategyNotLt:             "not-lt",
	StrategyNotLte:            "not-lte",
	StrategyGeoNear:           "geonear",
	StrategyGeoNearRange:      "geonear-range",
	StrategyCompositeQuery:    "composite-query",
	StrategyIsMultikey:        "is-multikey",
	StrategyOrderByReverse:    "order-by-reverse",
	StrategyHasTruncatedTerms: "has-truncated-terms",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "invalid"
}

// IsNegation reports whether index results for s must be anti-matched.
func (s Strategy) IsNegation() bool {
	switch s {
	case StrategyNotEqual, StrategyNotIn, StrategyNotGt, StrategyNotGte,
		StrategyNotLt, StrategyNotLte:
		return true
	default:
		return false
	}
}

// OpClass identifies the index class an operator family belongs to.
type OpClass int

const (
	ClassSinglePath OpClass = iota
	ClassComposite
	ClassText
	ClassHashed
	ClassUnique
)

func (c OpClass) String() string {
	switch c {
	case ClassSinglePath:
		return "single-path"
	case ClassComposite:
		return "composite"
	case ClassText:
		return "text"
	case ClassHashed:
		return "hashed"
	case ClassUnique:
		return "unique"
	default:
		return "invalid"
	}
}

// OpFamily is the substrate's operator-family identifier resolved through
// an AM's callbacks.
type OpFamily int
