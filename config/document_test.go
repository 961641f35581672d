package config

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/smnsjas/agentmux"
)

func TestParse_Defaults(t *testing.T) {
	doc, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.FailureCacheTTLSeconds != 60 || doc.KeySelectionTimeoutSeconds != 30 {
		t.Fatalf("defaults not applied: %+v", doc)
	}
}

func TestParse_PreservesUnrecognizedKeys(t *testing.T) {
	doc, err := Parse([]byte(`{"proxyPipeName":"custom","futureFeature":{"x":1}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := doc.marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if _, ok := roundTripped["futureFeature"]; !ok {
		t.Fatalf("unrecognized key dropped: %s", data)
	}
}

func TestSaveLoad_AtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	doc := Default()
	doc.ProxyPipeName = "ssh-agent-proxy-test"
	doc.Agents = map[string]AgentSpec{
		"A": {ProcessName: "a.exe", ExePath: "a.exe", Priority: 0},
	}
	if err := doc.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No temp files should remain.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("dir entries = %v, want exactly the config file", entries)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ProxyPipeName != "ssh-agent-proxy-test" {
		t.Fatalf("ProxyPipeName = %q, want %q", loaded.ProxyPipeName, "ssh-agent-proxy-test")
	}
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	doc, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.ProxyPipeName != Default().ProxyPipeName {
		t.Fatalf("got %+v, want default", doc)
	}
}

func TestKeyMappingValues_DropsInvalidBase64(t *testing.T) {
	bad := "not-valid-base64!!!"
	good := base64.StdEncoding.EncodeToString([]byte("blob"))
	doc := Default()
	doc.KeyMappings = []KeyMappingRecord{
		{Fingerprint: "AAAA", Agent: "A", KeyBlob: &bad},
		{Fingerprint: "BBBB", Agent: "B", KeyBlob: &good},
	}
	got := doc.KeyMappingValues()
	if len(got) != 1 || got[0].Fingerprint != agentmux.Fingerprint("BBBB") {
		t.Fatalf("got %+v, want only the BBBB record", got)
	}
}

func TestSetKeyMappingValues_RoundTrip(t *testing.T) {
	doc := Default()
	doc.SetKeyMappingValues([]agentmux.KeyMapping{
		{Fingerprint: "AAAA", Backend: "A", Blob: []byte("blob"), Comment: "a@host"},
	})
	got := doc.KeyMappingValues()
	if len(got) != 1 || got[0].Comment != "a@host" || string(got[0].Blob) != "blob" {
		t.Fatalf("got %+v", got)
	}
}
