package model

import "fmt"

// CatalogSpec describes the endpoint listing every known identifier.
type CatalogSpec struct {
	// URL of the catalog endpoint.
	URL string `yaml:"url"`

	// Params are query parameters sent with the request.
	Params map[string]string `yaml:"params"`

	// ItemsPath is the dotted path to the array of entries.
	ItemsPath string `yaml:"items_path"`

	// IDField names the entry field holding the identifier.
	IDField string `yaml:"id_field"`

	// NameField names the entry field holding the display name.
	NameField string `yaml:"name_field"`
}

// WithDefaults fills unset fields with the applist layout
// {"applist": {"apps": [{"appid": 1, "name": "..."}]}}.
func (c CatalogSpec) WithDefaults() CatalogSpec {
	if c.ItemsPath == "" {
		c.ItemsPath = "applist.apps"
	}
	if c.IDField == "" {
		c.IDField = "appid"
	}
	if c.NameField == "" {
		c.NameField = "name"
	}
	return c
}

// Validate checks that the catalog can be requested.
func (c CatalogSpec) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("catalog url is required")
	}
	return nil
}
