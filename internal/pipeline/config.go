package pipeline

// Config controls which stages run and the length limits they enforce.
// A Pipeline holds one Config value and swaps it whole on update; a Config
// is never mutated after it has been handed to a Pipeline.
type Config struct {
	EnableSanitization        bool `json:"enable_sanitization"`
	EnableRetrieval           bool `json:"enable_retrieval"`
	EnableCitationExtraction  bool `json:"enable_citation_extraction"`
	EnableResponseStructuring bool `json:"enable_response_structuring"`
	EnableOutputValidation    bool `json:"enable_output_validation"`

	MinQueryLength    int `json:"min_query_length"`
	MaxQueryLength    int `json:"max_query_length"`
	MaxResponseLength int `json:"max_response_length"`

	// Tenants holds per-tenant overrides, resolved per request.
	Tenants map[string]TenantOverride `json:"tenant_configs,omitempty"`
}

// TenantOverride replaces individual Config fields for one tenant. Nil
// fields inherit the global value.
type TenantOverride struct {
	EnableSanitization        *bool `json:"enable_sanitization,omitempty"`
	EnableRetrieval           *bool `json:"enable_retrieval,omitempty"`
	EnableCitationExtraction  *bool `json:"enable_citation_extraction,omitempty"`
	EnableResponseStructuring *bool `json:"enable_response_structuring,omitempty"`
	EnableOutputValidation    *bool `json:"enable_output_validation,omitempty"`
	MaxQueryLength            *int  `json:"max_query_length,omitempty"`
	MaxResponseLength         *int  `json:"max_response_length,omitempty"`
}

// DefaultConfig enables every stage except retrieval.
func DefaultConfig() Config {
	return Config{
		EnableSanitization:        true,
		EnableRetrieval:           false,
		EnableCitationExtraction:  true,
		EnableResponseStructuring: true,
		EnableOutputValidation:    true,
		MinQueryLength:            3,
		MaxQueryLength:            10000,
		MaxResponseLength:         50000,
	}
}

// withDefaults fills in non-positive limits.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinQueryLength <= 0 {
		c.MinQueryLength = d.MinQueryLength
	}
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = d.MaxQueryLength
	}
	if c.MaxResponseLength <= 0 {
		c.MaxResponseLength = d.MaxResponseLength
	}
	return c
}

// ForTenant returns the effective Config for tenant. The result has no
// Tenants map of its own.
func (c Config) ForTenant(tenant string) Config {
	o, ok := c.Tenants[tenant]
	c.Tenants = nil
	if !ok {
		return c
	}
	setBool(&c.EnableSanitization, o.EnableSanitization)
	setBool(&c.EnableRetrieval, o.EnableRetrieval)
	setBool(&c.EnableCitationExtraction, o.EnableCitationExtraction)
	setBool(&c.EnableResponseStructuring, o.EnableResponseStructuring)
	setBool(&c.EnableOutputValidation, o.EnableOutputValidation)
	if o.MaxQueryLength != nil && *o.MaxQueryLength > 0 {
		c.MaxQueryLength = *o.MaxQueryLength
	}
	if o.MaxResponseLength != nil && *o.MaxResponseLength > 0 {
		c.MaxResponseLength = *o.MaxResponseLength
	}
	return c
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// clone deep-copies the Tenants map so the caller's map can't alias the
// stored value.
func (c Config) clone() Config {
	if c.Tenants == nil {
		return c
	}
	tenants := make(map[string]TenantOverride, len(c.Tenants))
	for k, v := range c.Tenants {
		tenants[k] = v
	}
	c.Tenants = tenants
	return c
}
