package core

import (
	"github.com/mitchellh/mapstructure"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// Command parsing: the protocol frontend hands the raw command document
// over; these helpers split it into the engine API's shape. Option
// fields decode through mapstructure so the wire names stay in one
// place.

type findCommand struct {
	Find        string         `mapstructure:"find"`
	Filter      bson.Raw       `mapstructure:"filter"`
	Projection  bson.Raw       `mapstructure:"projection"`
	Sort        bson.Raw       `mapstructure:"sort"`
	Limit       int64          `mapstructure:"limit"`
	Skip        int64          `mapstructure:"skip"`
	BatchSize   int32          `mapstructure:"batchSize"`
	SingleBatch bool           `mapstructure:"singleBatch"`
	Tailable    bool           `mapstructure:"tailable"`
	Hint        any            `mapstructure:"hint"`
	Collation   map[string]any `mapstructure:"collation"`
	Let         bson.Raw       `mapstructure:"let"`
	MaxTimeMS   int64          `mapstructure:"maxTimeMS"`
}

type aggregateCommand struct {
	Aggregate    any            `mapstructure:"aggregate"`
	Pipeline     bson.Raw       `mapstructure:"pipeline"`
	Cursor       map[string]any `mapstructure:"cursor"`
	Let          bson.Raw       `mapstructure:"let"`
	Collation    map[string]any `mapstructure:"collation"`
	Explain      bool           `mapstructure:"explain"`
	AllowDiskUse bool           `mapstructure:"allowDiskUse"`
	MaxTimeMS    int64          `mapstructure:"maxTimeMS"`
}

// ParseFindCommand splits a find command document into the Find call's
// arguments.
func ParseFindCommand(database string, raw RawDocument) (ns string, filter RawDocument, opts FindOptions, err error) {
	var cmd findCommand
	if err = decodeCommand(raw, &cmd); err != nil {
		return "", nil, opts, err
	}
	if cmd.Find == "" {
		return "", nil, opts, newError(CodeBadValue, "find requires a collection name")
	}
	ns = database + "." + cmd.Find
	filter = RawDocument(cmd.Filter)
	opts = FindOptions{
		Projection:  RawDocument(cmd.Projection),
		Sort:        RawDocument(cmd.Sort),
		Limit:       cmd.Limit,
		Skip:        cmd.Skip,
		BatchSize:   cmd.BatchSize,
		SingleBatch: cmd.SingleBatch,
		Tailable:    cmd.Tailable,
		Let:         RawDocument(cmd.Let),
		MaxTimeMS:   cmd.MaxTimeMS,
		Collation:   collationLocale(cmd.Collation),
	}
	return ns, filter, opts, nil
}

// ParseAggregateCommand splits an aggregate command document.
func ParseAggregateCommand(database string, raw RawDocument) (ns string, pipeline RawDocument, opts AggregateOptions, err error) {
	var cmd aggregateCommand
	if err = decodeCommand(raw, &cmd); err != nil {
		return "", nil, opts, err
	}
	coll, _ := cmd.Aggregate.(string)
	if coll == "" {
		// {aggregate: 1} yields the bare "db." namespace; Engine.Aggregate
		// rejects it as invalid, so database-level pipelines do not run
		ns = database + "."
	} else {
		ns = database + "." + coll
	}
	if len(cmd.Pipeline) == 0 {
		return "", nil, opts, newError(CodeBadValue, "aggregate requires a pipeline array")
	}
	opts = AggregateOptions{
		Let:          RawDocument(cmd.Let),
		Explain:      cmd.Explain,
		AllowDiskUse: cmd.AllowDiskUse,
		MaxTimeMS:    cmd.MaxTimeMS,
		Collation:    collationLocale(cmd.Collation),
	}
	if bs, ok := cmd.Cursor["batchSize"]; ok {
		switch n := bs.(type) {
		case int32:
			opts.BatchSize = n
		case int64:
			opts.BatchSize = int32(n)
		case float64:
			opts.BatchSize = int32(n)
		}
	}
	return ns, RawDocument(cmd.Pipeline), opts, nil
}

// decodeCommand unmarshals the raw BSON into a generic map, then lets
// mapstructure place the fields; bson.Raw fields pass through unparsed.
func decodeCommand(raw RawDocument, out any) error {
	if _, err := bsonval.Decode(raw); err != nil {
		return newError(CodeBadValue, "command: %v", err)
	}
	var m map[string]any
	if err := bson.Unmarshal(raw, &m); err != nil {
		return newError(CodeFailedToParse, "command: %v", err)
	}
	// sub-documents stay raw so their field order survives
	reRaw(m, raw)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return newError(CodeInternalError, "command decoder: %v", err)
	}
	if err := dec.Decode(m); err != nil {
		return newError(CodeFailedToParse, "command: %v", err)
	}
	return nil
}

// reRaw replaces parsed sub-documents with their raw encodings, looked
// up from the original bytes, so filters and pipelines keep exact field
// order. The collation and cursor option documents are re-decoded as
// maps so their keys reach the option structs.
func reRaw(m map[string]any, raw RawDocument) {
	doc, err := bsonval.Decode(raw)
	if err != nil {
		return
	}
	it, err := bsonval.Iterate(doc)
	if err != nil {
		return
	}
	for {
		name, v, ok := it.Next()
		if !ok {
			return
		}
		switch name {
		case "filter", "projection", "sort", "let", "pipeline":
			if v.Type == bsoncore.TypeEmbeddedDocument || v.Type == bsoncore.TypeArray {
				m[name] = bson.Raw(v.Data)
			}
		case "collation", "cursor":
			if v.Type == bsoncore.TypeEmbeddedDocument {
				var sub map[string]any
				if err := bson.Unmarshal(v.Data, &sub); err == nil {
					m[name] = sub
				}
			}
		}
	}
}

// collationLocale pulls the locale out of a collation option document.
func collationLocale(coll map[string]any) string {
	if coll == nil {
		return ""
	}
	if l, ok := coll["locale"].(string); ok {
		return l
	}
	return ""
}
