// Package registry holds the proxy's per-call-type capability registries
// (tools, prompts, resources): the namespaced entries the router rebuilds
// on every */list call and consults to route every */call, */read, */get.
package registry

import (
	"encoding/json"
	"strings"
	"sync"
)

// Namer encodes/decodes the "<serverId><sep><originalName>" proxy name
// convention. The separator is a deployment setting (default "::").
type Namer struct {
	Separator string
}

// Encode builds a proxy name for a tool/prompt owned by serverID.
func (n Namer) Encode(serverID, originalName string) string {
	return serverID + n.Separator + originalName
}

// Decode splits a proxy name back into its owning server and original
// name. Returns ok=false if the separator is absent (malformed name) —
// callers should report -32602 in that case. Server IDs are validated at
// config load time to never contain the separator, so the first
// occurrence unambiguously ends the server ID.
func (n Namer) Decode(proxyName string) (serverID, originalName string, ok bool) {
	idx := strings.Index(proxyName, n.Separator)
	if idx < 0 {
		return "", "", false
	}
	return proxyName[:idx], proxyName[idx+len(n.Separator):], true
}

// Entry is one namespaced tool or prompt: the proxy-visible name plus the
// upstream that owns it and its original descriptor, with a
// metadata.proxy = {serverId, originalName} field attached so the client
// can see the origin without parsing the name.
type Entry struct {
	ProxyName    string
	ServerID     string
	OriginalName string
	Descriptor   json.RawMessage
}

// WithProxyMetadata returns a copy of descriptor with metadata.proxy =
// {serverId, originalName} merged in, attaching origin info to the
// upstream's own definition without altering any other field.
func WithProxyMetadata(descriptor json.RawMessage, serverID, originalName string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if len(descriptor) > 0 {
		if err := json.Unmarshal(descriptor, &obj); err != nil {
			return nil, err
		}
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}

	var meta map[string]json.RawMessage
	if existing, ok := obj["metadata"]; ok {
		_ = json.Unmarshal(existing, &meta)
	}
	if meta == nil {
		meta = map[string]json.RawMessage{}
	}

	proxyMeta, err := json.Marshal(map[string]string{
		"serverId":     serverID,
		"originalName": originalName,
	})
	if err != nil {
		return nil, err
	}
	meta["proxy"] = proxyMeta

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["metadata"] = metaRaw

	return json.Marshal(obj)
}

// Registry holds Entry objects grouped by owning upstream, in upstream
// registration order, and indexed by proxy name for O(1) call routing.
// Each */list rebuild replaces only the entries belonging to the upstream
// that answered, per spec's "clear any prior entries for the same
// upstream" rule — other upstreams' entries, and their relative position,
// are untouched.
//
// The router handles one client request per goroutine, so a tools/list
// rebuild (Replace) and a concurrent tools/call lookup (Get) can touch
// byName/byServer at the same time; mu guards all of it.
type Registry struct {
	mu       sync.RWMutex
	order    []string // upstream registration order
	seen     map[string]bool
	byServer map[string][]Entry
	byName   map[string]Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		seen:     map[string]bool{},
		byServer: map[string][]Entry{},
		byName:   map[string]Entry{},
	}
}

// EnsureUpstream records serverID's registration order if not already
// present. Call once per upstream at startup so the merge order reflects
// configuration order even before that upstream has answered a list call.
func (r *Registry) EnsureUpstream(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureUpstreamLocked(serverID)
}

func (r *Registry) ensureUpstreamLocked(serverID string) {
	if !r.seen[serverID] {
		r.seen[serverID] = true
		r.order = append(r.order, serverID)
	}
}

// Replace replaces all entries previously owned by serverID with entries,
// preserving serverID's position in upstream registration order.
func (r *Registry) Replace(serverID string, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ensureUpstreamLocked(serverID)

	for _, e := range r.byServer[serverID] {
		delete(r.byName, e.ProxyName)
	}

	r.byServer[serverID] = entries
	for _, e := range entries {
		r.byName[e.ProxyName] = e
	}
}

// All returns every entry in deterministic order: by upstream registration
// order, then by that upstream's own ordering.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, serverID := range r.order {
		out = append(out, r.byServer[serverID]...)
	}
	return out
}

// Get looks up an entry by its proxy name.
func (r *Registry) Get(proxyName string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[proxyName]
	return e, ok
}
