package model

import (
	"fmt"
	"strings"
)

// Aspect names one category of data attached to an identifier.
type Aspect string

// Default tracked aspects.
const (
	AspectDetail  Aspect = "detail"
	AspectTags    Aspect = "tags"
	AspectReviews Aspect = "reviews"
)

// AspectNoData is the pseudo-aspect listing identifiers whose empty-marking
// aspect answered with no data. Its members carry an attempt counter.
const AspectNoData Aspect = "no_data"

// DefaultAspects is the default ordered set of tracked aspects.
func DefaultAspects() []Aspect {
	return []Aspect{AspectDetail, AspectTags, AspectReviews}
}

// ResponseKind is the expected shape of an upstream response.
type ResponseKind string

const (
	// KindJSON expects a JSON document.
	KindJSON ResponseKind = "json"

	// KindText expects a raw text body (e.g. an HTML page).
	KindText ResponseKind = "text"
)

// Valid reports whether k is a known response kind.
func (k ResponseKind) Valid() bool {
	return k == KindJSON || k == KindText
}

// IDPlaceholder is substituted with the identifier in URLs, query parameter
// values and data paths.
const IDPlaceholder = "{id}"

// AspectSpec describes how to fetch one aspect from upstream.
type AspectSpec struct {
	// Name of the aspect.
	Name Aspect `yaml:"name"`

	// URL is the endpoint template, e.g. "https://example.com/reviews/{id}".
	URL string `yaml:"url"`

	// Params are query parameters; values may contain {id}.
	Params map[string]string `yaml:"params"`

	// Kind is the expected response kind.
	Kind ResponseKind `yaml:"kind"`

	// DataPath is a dotted path to the usable payload inside a JSON response,
	// e.g. "{id}.data". Empty means the whole document.
	DataPath string `yaml:"data_path"`

	// RecordEmpty makes an empty answer record a no-data marker instead of
	// being ignored. Its presence is unioned with AspectNoData for priority.
	RecordEmpty bool `yaml:"record_empty"`
}

// Validate checks the spec for missing or unknown fields.
func (s AspectSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("aspect name is required")
	}
	if s.Name == AspectNoData {
		return fmt.Errorf("aspect name %q is reserved", AspectNoData)
	}
	if s.URL == "" {
		return fmt.Errorf("aspect %s: url is required", s.Name)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("aspect %s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Resolve substitutes id into the URL, params and data path.
func (s AspectSpec) Resolve(id ID) (url string, params map[string]string, dataPath string) {
	url = strings.ReplaceAll(s.URL, IDPlaceholder, string(id))
	if len(s.Params) > 0 {
		params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			params[k] = strings.ReplaceAll(v, IDPlaceholder, string(id))
		}
	}
	dataPath = strings.ReplaceAll(s.DataPath, IDPlaceholder, string(id))
	return url, params, dataPath
}
