// Package activity defines the normalised activity record that every feed
// adapter converts its native payloads into, and its Elasticsearch bulk
// wire representation.
package activity

import "encoding/json"

// Record is an immutable activity document. Additional holds fields beyond
// the ones every activity carries, keyed the same way they appear on the
// wire, so that feed-specific extensions round-trip without a schema
// change here.
type Record struct {
	ID        string         `json:"id"`
	Published string         `json:"published"`
	Type      string         `json:"type"`
	Object    Object         `json:"object"`
	Actor     map[string]any `json:"actor"`
	Additional map[string]any `json:"-"`
}

// Object is the nested "object" field of an activity record.
type Object struct {
	Type []string `json:"type"`
	ID   string   `json:"id"`
}

// MarshalJSON flattens Additional alongside the named fields so the wire
// form is a single object, not a nested "Additional" key.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Additional)+4)
	for k, v := range r.Additional {
		out[k] = v
	}
	out["id"] = r.ID
	out["published"] = r.Published
	out["type"] = r.Type
	out["object"] = r.Object
	if r.Actor != nil {
		out["actor"] = r.Actor
	}
	return json.Marshal(out)
}

// IndexAction is the bulk-insert action header that precedes every
// document in an Elasticsearch `_bulk` request body.
type IndexAction struct {
	Index IndexActionMeta `json:"index"`
}

// IndexActionMeta is the `{_index, _id, _type}` metadata of an IndexAction.
type IndexActionMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
	Type  string `json:"_type"`
}

// BulkItem pairs a bulk action header with the document it addresses, the
// unit that internal/esclient serialises into NDJSON.
type BulkItem struct {
	ActionAndMetadata IndexAction
	Source            Record
}

// ToBulkItem wraps a Record into a BulkItem addressed at indexName, using
// the Jaeger/Elasticsearch convention of a fixed "_doc" document type.
func ToBulkItem(r Record, indexName string) BulkItem {
	return BulkItem{
		ActionAndMetadata: IndexAction{
			Index: IndexActionMeta{
				Index: indexName,
				ID:    r.ID,
				Type:  "_doc",
			},
		},
		Source: r,
	}
}
