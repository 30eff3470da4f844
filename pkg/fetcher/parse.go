package fetcher

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// parse turns a successful response into Success or Empty. A body that does
// not parse as the expected kind is an explicit "no data" answer, not an error.
func (f *Fetcher) parse(req Request, res attemptResult, attempts int) Outcome {
	out := Outcome{Attempts: attempts, StatusCode: res.status}

	var (
		payload model.Payload
		reason  string
	)
	switch req.Kind {
	case model.KindText:
		payload = model.Payload{Kind: model.KindText, Text: string(res.body)}
		if strings.TrimSpace(payload.Text) == "" {
			reason = "blank text body"
		}
	default:
		payload, reason = parseJSON(res.body, req.DataPath)
	}

	if reason != "" || payload.IsEmpty() {
		if reason == "" {
			reason = "empty payload"
		}
		f.logger.Debug().
			Str("endpoint", req.Endpoint).
			Str("url", req.URL).
			Str("reason", reason).
			Msg("Upstream answered without usable data")
		out.Kind = OutcomeEmpty
		return out
	}

	out.Kind = OutcomeSuccess
	out.Payload = payload
	return out
}

// parseJSON decodes body and extracts the value at dataPath. The returned
// reason is non-empty when the document carries no usable data.
func parseJSON(body []byte, dataPath string) (model.Payload, string) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.Payload{}, "invalid json: " + err.Error()
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.Payload{}, "invalid json: trailing data"
	}

	value, ok := Lookup(doc, dataPath)
	if !ok {
		return model.Payload{}, "data path not found: " + dataPath
	}
	if isBlank(value) {
		return model.Payload{}, "blank value at data path"
	}

	return model.Payload{Kind: model.KindJSON, Data: toDocument(value)}, ""
}

// Lookup walks a dotted path through nested JSON objects. An empty path
// returns doc itself.
func Lookup(doc any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	cur := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// isBlank reports whether a decoded JSON value means "no data".
func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}

// toDocument wraps non-object values so every payload is a document.
func toDocument(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		return map[string]any{"items": t}
	default:
		return map[string]any{"value": t}
	}
}
