// Package config loads and saves the persisted JSON configuration document
// described in spec §6: pipe names, backend definitions, the key and
// host-hint mapping tables, and the failure-cache/key-selection timeouts.
//
// Keys the current version of agentmux does not recognize are preserved
// round-trip: Load keeps them aside, Save re-emits them unchanged next to
// whatever this process wrote.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smnsjas/agentmux"
)

// AgentSpec is one entry of the "agents" map.
type AgentSpec struct {
	ProcessName string `json:"processName"`
	ExePath     string `json:"exePath"`
	Priority    int    `json:"priority"`
}

// KeyMappingRecord is one entry of the "keyMappings" list.
type KeyMappingRecord struct {
	Fingerprint string  `json:"fingerprint"`
	KeyBlob     *string `json:"keyBlob,omitempty"` // base64
	Comment     *string `json:"comment,omitempty"`
	Agent       string  `json:"agent"`
}

// HostKeyMappingRecord is one entry of the "hostKeyMappings" list.
type HostKeyMappingRecord struct {
	Pattern     string  `json:"pattern"`
	Fingerprint string  `json:"fingerprint"`
	Description *string `json:"description,omitempty"`
}

// recognizedKeys lists the top-level keys this struct understands; anything
// else in the document is preserved in extra.
var recognizedKeys = []string{
	"proxyPipeName", "backendPipeName", "agents", "defaultAgent",
	"keyMappings", "hostKeyMappings", "failureCacheTtlSeconds",
	"keySelectionTimeoutSeconds",
}

// Document is the in-memory form of the persisted configuration file.
type Document struct {
	ProxyPipeName              string               `json:"proxyPipeName"`
	BackendPipeName            string               `json:"backendPipeName"`
	Agents                     map[string]AgentSpec `json:"agents"`
	DefaultAgent               string               `json:"defaultAgent"`
	KeyMappings                []KeyMappingRecord   `json:"keyMappings"`
	HostKeyMappings            []HostKeyMappingRecord `json:"hostKeyMappings"`
	FailureCacheTTLSeconds     int                  `json:"failureCacheTtlSeconds"`
	KeySelectionTimeoutSeconds int                  `json:"keySelectionTimeoutSeconds"`

	// extra holds any top-level keys this version does not recognize, kept
	// for round-trip preservation.
	extra map[string]json.RawMessage
}

// Default returns a Document with the documented defaults (spec §6).
func Default() *Document {
	return &Document{
		ProxyPipeName:              "ssh-agent-proxy",
		BackendPipeName:            "openssh-ssh-agent",
		Agents:                     map[string]AgentSpec{},
		FailureCacheTTLSeconds:     60,
		KeySelectionTimeoutSeconds: 30,
	}
}

// Load reads and parses the document at path. A missing file is not an
// error; it returns Default().
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a Document from raw JSON bytes, preserving unrecognized
// top-level keys for round-trip.
func Parse(data []byte) (*Document, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	doc := Default()
	doc.extra = make(map[string]json.RawMessage)
	for k, v := range raw {
		doc.extra[k] = v
	}
	for _, k := range recognizedKeys {
		delete(doc.extra, k)
	}

	type alias Document
	a := (*alias)(doc)
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("config: decode known fields: %w", err)
	}
	return doc, nil
}

// Save atomically writes the document to path (temp file in the same
// directory, then rename).
func (d *Document) Save(path string) error {
	data, err := d.marshal()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".agentmux-config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename into place: %w", err)
	}
	ok = true
	return nil
}

func (d *Document) marshal() ([]byte, error) {
	type alias Document
	known, err := json.Marshal((*alias)(d))
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.extra {
		merged[k] = v
	}
	return json.MarshalIndent(merged, "", "  ")
}

// Backends returns the configured backends as agentmux.BackendSpec values,
// in an unspecified order; callers that need priority order should sort.
func (d *Document) Backends() []agentmux.BackendSpec {
	specs := make([]agentmux.BackendSpec, 0, len(d.Agents))
	for name, a := range d.Agents {
		specs = append(specs, agentmux.BackendSpec{
			Name:           name,
			ProcessName:    a.ProcessName,
			ExecutablePath: a.ExePath,
			Priority:       a.Priority,
		})
	}
	return specs
}

// KeyMappingValues decodes KeyMappings into domain KeyMapping values,
// silently dropping any record whose cached blob fails base64 decoding
// (spec §4.5).
func (d *Document) KeyMappingValues() []agentmux.KeyMapping {
	out := make([]agentmux.KeyMapping, 0, len(d.KeyMappings))
	for _, rec := range d.KeyMappings {
		km := agentmux.KeyMapping{
			Fingerprint: agentmux.Fingerprint(rec.Fingerprint),
			Backend:     rec.Agent,
		}
		if rec.Comment != nil {
			km.Comment = *rec.Comment
		}
		if rec.KeyBlob != nil {
			blob, err := base64.StdEncoding.DecodeString(*rec.KeyBlob)
			if err != nil {
				continue
			}
			km.Blob = blob
		}
		out = append(out, km)
	}
	return out
}

// HostHintValues decodes HostKeyMappings into domain HostHint values.
func (d *Document) HostHintValues() []agentmux.HostHint {
	out := make([]agentmux.HostHint, 0, len(d.HostKeyMappings))
	for _, rec := range d.HostKeyMappings {
		hh := agentmux.HostHint{Pattern: rec.Pattern, Fingerprint: agentmux.Fingerprint(rec.Fingerprint)}
		if rec.Description != nil {
			hh.Description = *rec.Description
		}
		out = append(out, hh)
	}
	return out
}

// SetKeyMappingValues replaces KeyMappings from domain KeyMapping values, in
// the given order.
func (d *Document) SetKeyMappingValues(mappings []agentmux.KeyMapping) {
	recs := make([]KeyMappingRecord, 0, len(mappings))
	for _, km := range mappings {
		rec := KeyMappingRecord{Fingerprint: string(km.Fingerprint), Agent: km.Backend}
		if km.Comment != "" {
			c := km.Comment
			rec.Comment = &c
		}
		if len(km.Blob) > 0 {
			b := base64.StdEncoding.EncodeToString(km.Blob)
			rec.KeyBlob = &b
		}
		recs = append(recs, rec)
	}
	d.KeyMappings = recs
}
