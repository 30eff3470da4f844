package mongostore

import (
	"sort"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"go.mongodb.org/mongo-driver/bson"
)

// canonical converts maps to bson.D with sorted keys, recursively, so equal
// payloads always encode to the same document.
func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := make(bson.D, 0, len(keys))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: canonical(t[k])})
		}
		return d
	case []any:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}
		return out
	default:
		return v
	}
}

// payloadFields is the $set document for a payload.
func payloadFields(p model.Payload) bson.D {
	d := bson.D{{Key: "kind", Value: p.Kind}}
	if p.Kind == model.KindText {
		return append(d, bson.E{Key: "text", Value: p.Text})
	}
	return append(d, bson.E{Key: "data", Value: canonical(p.Data)})
}
