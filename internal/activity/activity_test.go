package activity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMarshalJSONIncludesAdditionalFields(t *testing.T) {
	r := Record{
		ID:        "dit:Enquiry:49863:Create",
		Published: "2018-04-12T12:48:13+00:00",
		Type:      "Create",
		Object:    Object{Type: []string{"Enquiry"}, ID: "dit:Enquiry:49863"},
		Additional: map[string]any{
			"generator": map[string]any{"name": "Enquiries"},
		},
	}

	out, err := json.Marshal(r)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "dit:Enquiry:49863:Create", decoded["id"])
	assert.Equal(t, "2018-04-12T12:48:13+00:00", decoded["published"])
	assert.Contains(t, decoded, "generator")
}

func TestToBulkItemUsesDocType(t *testing.T) {
	r := Record{ID: "abc", Type: "Create"}
	item := ToBulkItem(r, "activities__feed_id__x__date__1")

	assert.Equal(t, "activities__feed_id__x__date__1", item.ActionAndMetadata.Index.Index)
	assert.Equal(t, "abc", item.ActionAndMetadata.Index.ID)
	assert.Equal(t, "_doc", item.ActionAndMetadata.Index.Type)
}

// Stable key ordering: encoding/json sorts map[string]any keys
// alphabetically, so two marshals of equivalent data always produce byte
// identical output. This is what the bulk-payload invariant in spec §8
// relies on.
func TestMarshalJSONIsStableAcrossCalls(t *testing.T) {
	r := Record{
		ID: "x", Published: "p", Type: "Create",
		Additional: map[string]any{"zebra": 1, "alpha": 2, "mike": 3},
	}
	a, err := json.Marshal(r)
	require.NoError(t, err)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
