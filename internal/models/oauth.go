// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GrantClientCredentials is the only grant type clients may be registered for.
const GrantClientCredentials = "client_credentials"

// Client is a registered machine caller. SecretHash holds the bcrypt hash
// of the client secret; the clear secret is never persisted.
type Client struct {
	ClientID    string      `json:"client_id"`
	SecretHash  string      `json:"client_secret"`
	GrantType   string      `json:"grant_type"`
	Scope       []string    `json:"scope"`
	Permissions Permissions `json:"permissions"`
	CreatedAt   time.Time   `json:"created_at"`
}

// HasScope reports whether label is one of the client's scopes.
func (c *Client) HasScope(label string) bool {
	return slices.Contains(c.Scope, label)
}

// ScopeString returns the scope labels space-delimited, as carried on the wire.
func (c *Client) ScopeString() string {
	return strings.Join(c.Scope, " ")
}

// Permissions holds the fine-grained grants of a client. Routes maps a
// request path to the HTTP methods allowed on it; Grants is a flat set of
// named capabilities such as "read" or "write". Either may be empty.
type Permissions struct {
	Routes map[string][]string `json:"routes,omitempty"`
	Grants []string            `json:"grants,omitempty"`
}

// IsZero reports whether no permission of either kind is granted.
func (p Permissions) IsZero() bool {
	return len(p.Routes) == 0 && len(p.Grants) == 0
}

// HasGrant reports whether the named capability is granted. A route key
// equal to name also counts, matching how flat and path-keyed permission
// sets were used interchangeably.
func (p Permissions) HasGrant(name string) bool {
	if slices.Contains(p.Grants, name) {
		return true
	}

	_, ok := p.Routes[name]

	return ok
}

// AllowsRoute reports whether method is allowed on path. Trailing slashes
// are ignored, methods compare case-insensitively and "*" allows any method.
func (p Permissions) AllowsRoute(path, method string) bool {
	methods, ok := p.Routes[normalizePath(path)]
	if !ok {
		return false
	}

	for _, m := range methods {
		if m == "*" || strings.EqualFold(m, method) {
			return true
		}
	}

	return false
}

func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}

	return p
}

// Normalize cleans route keys and upper-cases methods.
func (p Permissions) Normalize() Permissions {
	out := Permissions{}
	if len(p.Routes) > 0 {
		out.Routes = make(map[string][]string, len(p.Routes))
		for path, methods := range p.Routes {
			norm := make([]string, 0, len(methods))
			for _, m := range methods {
				m = strings.ToUpper(strings.TrimSpace(m))
				if m != "" && !slices.Contains(norm, m) {
					norm = append(norm, m)
				}
			}
			out.Routes[normalizePath(path)] = norm
		}
	}

	for _, g := range p.Grants {
		g = strings.TrimSpace(g)
		if g != "" && !slices.Contains(out.Grants, g) {
			out.Grants = append(out.Grants, g)
		}
	}

	return out
}

// UnmarshalJSON accepts three shapes: the canonical object with "routes"
// and "grants" keys, a bare path -> methods object, or an array of named
// grants.
func (p *Permissions) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null" || trimmed == "":
		*p = Permissions{}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var grants []string
		if err := json.Unmarshal(data, &grants); err != nil {
			return fmt.Errorf("decoding permission grants: %w", err)
		}

		*p = Permissions{Grants: grants}

		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding permissions: %w", err)
	}

	if len(raw) == 0 {
		*p = Permissions{}
		return nil
	}

	if isCanonical(keysOf(raw)) {
		type plain Permissions

		var out plain
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("decoding permissions: %w", err)
		}

		*p = Permissions(out)

		return nil
	}

	routes := make(map[string][]string, len(raw))
	for path, v := range raw {
		var methods []string
		if err := json.Unmarshal(v, &methods); err != nil {
			return fmt.Errorf("decoding methods for %q: %w", path, err)
		}

		routes[path] = methods
	}

	*p = Permissions{Routes: routes}

	return nil
}

// UnmarshalYAML accepts the same shapes as UnmarshalJSON.
func (p *Permissions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var grants []string
		if err := node.Decode(&grants); err != nil {
			return fmt.Errorf("decoding permission grants: %w", err)
		}

		*p = Permissions{Grants: grants}

		return nil
	case yaml.MappingNode:
		keys := make([]string, 0, len(node.Content)/2)
		for i := 0; i < len(node.Content); i += 2 {
			keys = append(keys, node.Content[i].Value)
		}

		if isCanonical(keys) {
			var out struct {
				Routes map[string][]string `yaml:"routes"`
				Grants []string            `yaml:"grants"`
			}
			if err := node.Decode(&out); err != nil {
				return fmt.Errorf("decoding permissions: %w", err)
			}

			*p = Permissions{Routes: out.Routes, Grants: out.Grants}

			return nil
		}

		var routes map[string][]string
		if err := node.Decode(&routes); err != nil {
			return fmt.Errorf("decoding permission routes: %w", err)
		}

		*p = Permissions{Routes: routes}

		return nil
	default:
		return fmt.Errorf("permissions must be a list or a mapping, got %v", node.Tag)
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return keys
}

// isCanonical reports whether every key is "routes" or "grants". Route
// paths always start with "/", so the two forms cannot collide.
func isCanonical(keys []string) bool {
	if len(keys) == 0 {
		return false
	}

	for _, k := range keys {
		if k != "routes" && k != "grants" {
			return false
		}
	}

	return true
}

// TokenRecord is the single live token pair of a client. Only hashes of
// the access and refresh tokens are kept.
type TokenRecord struct {
	ClientID         string    `json:"client_id"`
	AccessTokenHash  string    `json:"access_token_hash"`
	RefreshTokenHash string    `json:"refresh_token_hash"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	Scope            string    `json:"scope"`
	UsageCount       int       `json:"usage_count"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Expired reports whether the access token has passed its expiry.
func (t *TokenRecord) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshExpired reports whether the refresh window has closed.
func (t *TokenRecord) RefreshExpired(now time.Time) bool {
	return !now.Before(t.RefreshExpiresAt)
}

// Purgeable reports whether nothing in the record can be used any more.
func (t *TokenRecord) Purgeable(now time.Time) bool {
	return t.Expired(now) && (t.RefreshExpired(now) || t.UsageCount <= 0)
}
