package config

import "strings"

// RelayConfig describes one relay endpoint.
// Example YAML:
// relays:
//   - url: "wss://relay.damus.io"
//   - url: "wss://nos.lol"
//     read: true
//     write: false
//   - url: "mem://local"
type RelayConfig struct {
	URL   string `mapstructure:"url"`
	Read  bool   `mapstructure:"read"`
	Write bool   `mapstructure:"write"`
}

// WriteURLs returns the relays requests are published to.
func (c *Config) WriteURLs() []string {
	var out []string
	for _, r := range c.Relays {
		if r.Write {
			out = append(out, r.URL)
		}
	}
	return out
}

// ReadURLs returns the relays replies are read from.
func (c *Config) ReadURLs() []string {
	var out []string
	for _, r := range c.Relays {
		if r.Read {
			out = append(out, r.URL)
		}
	}
	return out
}

// ParseRelayList splits a comma or space separated URL list.
func ParseRelayList(s string) []RelayConfig {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := make([]RelayConfig, 0, len(fields))
	for _, f := range fields {
		if u := NormalizeRelayURL(f); u != "" {
			out = append(out, RelayConfig{URL: u, Read: true, Write: true})
		}
	}
	return out
}

// NormalizeRelayURL lowercases scheme and host and strips a trailing slash so
// the same relay written two ways maps to one connection.
func NormalizeRelayURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	host, path, _ := strings.Cut(rest, "/")
	out := strings.ToLower(scheme) + "://" + strings.ToLower(host)
	if path = strings.TrimRight(path, "/"); path != "" {
		out += "/" + path
	}
	return out
}
