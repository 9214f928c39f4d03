// Package wellknown serves the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) that bearer challenges point clients at.
package wellknown

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const prmPrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// MetadataURL returns the document URL for resource: the well-known prefix
// followed by the resource's own path, on the resource's origin.
func MetadataURL(resource string) (*url.URL, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("invalid resource url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("resource url must be absolute: %q", resource)
	}
	path := u.Path
	if path == "/" {
		path = ""
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: prmPrefix + path}, nil
}

// Handler serves doc as JSON.
func Handler(doc ProtectedResourceMetadata) http.Handler {
	body, err := json.Marshal(doc)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	})
}
