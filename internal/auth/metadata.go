package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ServerMetadata is the RFC 8414 authorization server metadata document.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods     []string `json:"revocation_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 protected resource document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(serverURL string, scopes []string) http.HandlerFunc {
	serverURL = strings.TrimRight(serverURL, "/")
	meta := ServerMetadata{
		Issuer:                            serverURL,
		TokenEndpoint:                     serverURL + "/token",
		RevocationEndpoint:                serverURL + "/token/revoke",
		GrantTypesSupported:               []string{"client_credentials", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post"},
		RevocationEndpointAuthMethods:     []string{"client_secret_post"},
		ScopesSupported:                   scopes,
	}

	return metadataHandler(meta)
}

// HandleProtectedResourceMetadata returns the /.well-known/oauth-protected-resource handler.
func HandleProtectedResourceMetadata(serverURL string) http.HandlerFunc {
	serverURL = strings.TrimRight(serverURL, "/")
	meta := ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{serverURL},
		BearerMethodsSupported: []string{"header"},
	}

	return metadataHandler(meta)
}

func metadataHandler(meta any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
