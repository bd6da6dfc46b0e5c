package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const resourceURIPrefix = "proxy://resource/"

type resourceURIPayload struct {
	Server string `json:"server"`
	URI    string `json:"uri"`
}

// EncodeResourceURI builds the proxy-visible URI for a resource owned by
// serverID at originalURI: "proxy://resource/" + base64url(JSON({server,
// uri})). Encoding is injective: two distinct (server, uri) pairs never
// collide, since it round-trips through exact JSON re-encoding.
func EncodeResourceURI(serverID, originalURI string) string {
	payload, _ := json.Marshal(resourceURIPayload{Server: serverID, URI: originalURI})
	return resourceURIPrefix + base64.RawURLEncoding.EncodeToString(payload)
}

// DecodeResourceURI reverses EncodeResourceURI. It fails cleanly (returns
// an error, never panics) on malformed input: missing prefix, invalid
// base64, or invalid JSON.
func DecodeResourceURI(proxyURI string) (serverID, originalURI string, err error) {
	if len(proxyURI) <= len(resourceURIPrefix) || proxyURI[:len(resourceURIPrefix)] != resourceURIPrefix {
		return "", "", fmt.Errorf("resource uri missing %q prefix", resourceURIPrefix)
	}
	encoded := proxyURI[len(resourceURIPrefix):]

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("resource uri: invalid base64: %w", err)
	}

	var payload resourceURIPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", fmt.Errorf("resource uri: invalid payload: %w", err)
	}
	if payload.Server == "" || payload.URI == "" {
		return "", "", fmt.Errorf("resource uri: missing server or uri")
	}

	return payload.Server, payload.URI, nil
}
