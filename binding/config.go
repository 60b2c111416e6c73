package binding

// Config holds the binding resolver configuration.
type Config struct {
	DBPath string `json:"db_path" yaml:"db_path"`

	// MaxEditDistance widens the text fallback: a stored label within
	// this Levenshtein distance of the scanned label still matches.
	// 0 (the default) requires an exact normalized match.
	MaxEditDistance int `json:"max_edit_distance" yaml:"max_edit_distance"`

	// AllowPrivateURLs permits webhook URLs that resolve to loopback or
	// RFC 1918 addresses. Development only.
	AllowPrivateURLs bool `json:"allow_private_urls" yaml:"allow_private_urls"`

	// RequireHTTPS rejects plain-http webhook URLs on save.
	RequireHTTPS bool `json:"require_https" yaml:"require_https"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "bindings.db"
	}
}
