package indexam

// Built-in access methods. Substrate identifiers follow the backing
// table's index naming; operator families are small fixed integers the
// SQL renderer maps onto operator classes.

const (
	famSinglePath OpFamily = 100 + iota
	famComposite
	famText
	famHashed
	famUnique
	famGeo
	famVector
)

// NewRegularAM is the default inverted-index AM covering dotted paths,
// wildcard and composite keys with ordered scans.
func NewRegularAM() *Entry {
	return &Entry{
		Name:        "regular",
		SubstrateID: "stratum_rum",
		Caps: Capabilities{
			SinglePath:    true,
			Unique:        true,
			Wildcard:      true,
			Composite:     true,
			OrderBy:       true,
			BackwardsScan: true,
			IndexOnlyScan: true,
		},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			switch c {
			case ClassSinglePath:
				return famSinglePath, true
			case ClassComposite:
				return famComposite, true
			case ClassUnique:
				return famUnique, true
			default:
				return 0, false
			}
		},
		RangeOptimized: func(of OpFamily) bool {
			return of == famSinglePath || of == famComposite
		},
	}
}

// NewCompositeAM is the multi-column ordered alternate with parallel
// scan support.
func NewCompositeAM() *Entry {
	return &Entry{
		Name:        "composite",
		SubstrateID: "stratum_composite",
		Caps: Capabilities{
			Composite:     true,
			OrderBy:       true,
			BackwardsScan: true,
			ParallelScan:  true,
		},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			if c == ClassComposite {
				return famComposite, true
			}
			return 0, false
		},
		RangeOptimized: func(of OpFamily) bool { return of == famComposite },
	}
}

// NewTextAM serves $text queries.
func NewTextAM() *Entry {
	return &Entry{
		Name:        "text",
		SubstrateID: "stratum_text",
		Caps:        Capabilities{Text: true},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			if c == ClassText {
				return famText, true
			}
			return 0, false
		},
	}
}

// NewHashedAM serves equality via the canonical value hash.
func NewHashedAM() *Entry {
	return &Entry{
		Name:        "hashed",
		SubstrateID: "stratum_hash",
		Caps:        Capabilities{Hashed: true, ParallelScan: true},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			if c == ClassHashed {
				return famHashed, true
			}
			return 0, false
		},
	}
}

// NewGeoAM serves 2dsphere queries; geometry evaluation is delegated to
// the spatial engine.
func NewGeoAM() *Entry {
	return &Entry{
		Name:        "2dsphere",
		SubstrateID: "stratum_geo",
		Caps:        Capabilities{SinglePath: true},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			if c == ClassSinglePath {
				return famGeo, true
			}
			return 0, false
		},
	}
}

// NewVectorAM serves $vectorSearch approximate-nearest-neighbor scans.
func NewVectorAM() *Entry {
	return &Entry{
		Name:        "vector",
		SubstrateID: "stratum_vector",
		Caps:        Capabilities{SinglePath: true, ParallelScan: true},
		OpFamilies: func(c OpClass) (OpFamily, bool) {
			if c == ClassSinglePath {
				return famVector, true
			}
			return 0, false
		},
	}
}

// DefaultRegistry assembles the standard registry: regular as default
// plus the five alternates.
func DefaultRegistry() *Registry {
	r := NewRegistry(NewRegularAM())
	for _, e := range []*Entry{
		NewCompositeAM(), NewTextAM(), NewHashedAM(), NewGeoAM(), NewVectorAM(),
	} {
		// registration order is the documented tie-break
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// StrategyForOp maps a filter operator name to the index strategy the
// operator-class glue stores.
func StrategyForOp(op string) (Strategy, bool) {
	switch op {
	case "$eq":
		return StrategyEqual, true
	case "$gt":
		return StrategyGreater, true
	case "$gte":
		return StrategyGreaterEqual, true
	case "$lt":
		return StrategyLess, true
	case "$lte":
		return StrategyLessEqual, true
	case "$in":
		return StrategyIn, true
	case "$ne":
		return StrategyNotEqual, true
	case "$nin":
		return StrategyNotIn, true
	case "$regex":
		return StrategyRegex, true
	case "$exists":
		return StrategyExists, true
	case "$size":
		return StrategySize, true
	case "$type":
		return StrategyType, true
	case "$all":
		return StrategyAll, true
	case "$mod":
		return StrategyMod, true
	case "$bitsAllClear":
		return StrategyBitsAllClear, true
	case "$bitsAnyClear":
		return StrategyBitsAnyClear, true
	case "$bitsAllSet":
		return StrategyBitsAllSet, true
	case "$bitsAnySet":
		return StrategyBitsAnySet, true
	case "$text":
		return StrategyText, true
	case "$geoWithin":
		return StrategyGeoWithin, true
	case "$geoIntersects":
		return StrategyGeoIntersects, true
	case "$near", "$nearSphere":
		return StrategyGeoNear, true
	default:
		return StrategyInvalid, false
	}
}
