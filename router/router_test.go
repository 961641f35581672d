package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smnsjas/agentmux"
	"github.com/smnsjas/agentmux/pipeserver"
	"github.com/smnsjas/agentmux/wire"
)

// --- fakes ---

type fakeMapping struct {
	mu      sync.Mutex
	records map[agentmux.Fingerprint]agentmux.KeyMapping
	order   []agentmux.Fingerprint
	putErr  error
}

func newFakeMapping(records ...agentmux.KeyMapping) *fakeMapping {
	m := &fakeMapping{records: map[agentmux.Fingerprint]agentmux.KeyMapping{}}
	for _, r := range records {
		m.records[r.Fingerprint] = r
		m.order = append(m.order, r.Fingerprint)
	}
	return m
}

func (m *fakeMapping) Get(fp agentmux.Fingerprint) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fp]
	if !ok {
		return "", false
	}
	return r.Backend, true
}

func (m *fakeMapping) Put(fp agentmux.Fingerprint, backend string, blob []byte, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, had := m.records[fp]
	if !had {
		m.order = append(m.order, fp)
	}
	if len(blob) > 0 {
		existing.Blob = blob
	}
	if comment != "" {
		existing.Comment = comment
	}
	existing.Fingerprint = fp
	existing.Backend = backend
	m.records[fp] = existing
	return m.putErr
}

func (m *fakeMapping) CachedIdentities() []agentmux.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agentmux.Identity
	for _, fp := range m.order {
		r := m.records[fp]
		if len(r.Blob) > 0 {
			out = append(out, agentmux.Identity{Blob: r.Blob, Comment: r.Comment})
		}
	}
	return out
}

func (m *fakeMapping) DistinctBackends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, r := range m.records {
		seen[r.Backend] = true
	}
	return len(seen)
}

type fakeFailures struct {
	mu     sync.Mutex
	cached map[string]bool
}

func newFakeFailures() *fakeFailures { return &fakeFailures{cached: map[string]bool{}} }

func failKey(fp agentmux.Fingerprint, backend string) string { return string(fp) + "|" + backend }

func (f *fakeFailures) MarkFailed(fp agentmux.Fingerprint, backend string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[failKey(fp, backend)] = true
}

func (f *fakeFailures) IsCached(fp agentmux.Fingerprint, backend string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached[failKey(fp, backend)]
}

func (f *fakeFailures) Clear(fp agentmux.Fingerprint, backend string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cached, failKey(fp, backend))
}

type fakeProc struct {
	mu             sync.Mutex
	running        map[string]bool
	terminateCalls []string
	launchCalls    []string
}

func newFakeProc(running ...string) *fakeProc {
	p := &fakeProc{running: map[string]bool{}}
	for _, r := range running {
		p.running[r] = true
	}
	return p
}

func (p *fakeProc) IsRunning(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[name], nil
}

func (p *fakeProc) Terminate(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateCalls = append(p.terminateCalls, name)
	delete(p.running, name)
	return nil
}

func (p *fakeProc) Launch(_ context.Context, processName, exePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.launchCalls = append(p.launchCalls, exePath)
	p.running[processName] = true
	return nil
}

type signResult struct {
	sig []byte
	err error
}

type fakeBackend struct {
	mu                     sync.Mutex
	identitiesQueue        [][]agentmux.Identity
	identitiesErrQueue     []error
	requestIdentitiesCalls int

	signQueue []signResult
	signCalls int

	forwardResp *wire.Frame
	forwardErr  error

	inFlight int32
	maxInFlight int32
}

func (b *fakeBackend) RequestIdentities(context.Context) ([]agentmux.Identity, error) {
	b.mu.Lock()
	idx := b.requestIdentitiesCalls
	b.requestIdentitiesCalls++
	b.mu.Unlock()
	if idx < len(b.identitiesQueue) {
		var err error
		if idx < len(b.identitiesErrQueue) {
			err = b.identitiesErrQueue[idx]
		}
		return b.identitiesQueue[idx], err
	}
	return nil, nil
}

func (b *fakeBackend) Sign(_ context.Context, _, _ []byte, _ uint32) ([]byte, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	for {
		max := atomic.LoadInt32(&b.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&b.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&b.inFlight, -1)

	b.mu.Lock()
	idx := b.signCalls
	b.signCalls++
	b.mu.Unlock()
	if idx < len(b.signQueue) {
		r := b.signQueue[idx]
		return r.sig, r.err
	}
	return nil, nil
}

func (b *fakeBackend) Forward(context.Context, wire.Frame) (*wire.Frame, error) {
	return b.forwardResp, b.forwardErr
}

type fakeWaiter struct {
	mu     sync.Mutex
	slept  []time.Duration
}

func (w *fakeWaiter) Sleep(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slept = append(w.slept, d)
	return nil
}

// --- helpers ---

func backendSpec(name string, priority int) agentmux.BackendSpec {
	return agentmux.BackendSpec{Name: name, ProcessName: name + ".exe", ExecutablePath: name + ".exe", Priority: priority}
}

func newTestRouter(cfg Config, mapping MappingStore, failures FailureCache, proc ProcessController, backend BackendClient) *Router {
	r := New(cfg, mapping, failures, proc, backend, nil)
	r.sleep = &fakeWaiter{}
	return r
}

// --- tests ---

func TestRouter_Start_DetectsCurrentBackendCanonicalPair(t *testing.T) {
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("OnePassword", 1), backendSpec("Bitwarden", 2)}}
	proc := newFakeProc("Bitwarden.exe")
	r := newTestRouter(cfg, newFakeMapping(), newFakeFailures(), proc, &fakeBackend{})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.currentBackend != "Bitwarden" {
		t.Fatalf("got current backend %q, want Bitwarden", r.currentBackend)
	}
}

func TestRouter_Start_NoCanonicalPairYieldsNone(t *testing.T) {
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("Foo", 1), backendSpec("Bar", 2)}}
	proc := newFakeProc("Foo.exe")
	r := newTestRouter(cfg, newFakeMapping(), newFakeFailures(), proc, &fakeBackend{})

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.currentBackend != "" {
		t.Fatalf("got current backend %q, want none", r.currentBackend)
	}
}

func TestRouter_List_TwoDistinctBackendsMapped_NoBackendIO(t *testing.T) {
	fpA := agentmux.FingerprintOf([]byte("key-a"))
	fpB := agentmux.FingerprintOf([]byte("key-b"))
	mapping := newFakeMapping(
		agentmux.KeyMapping{Fingerprint: fpA, Blob: []byte("key-a"), Comment: "a", Backend: "A"},
		agentmux.KeyMapping{Fingerprint: fpB, Blob: []byte("key-b"), Comment: "b", Backend: "B"},
	)
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1), backendSpec("B", 2)}}
	backend := &fakeBackend{}
	proc := newFakeProc("A.exe")
	r := newTestRouter(cfg, mapping, newFakeFailures(), proc, backend)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgRequestIdentities})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Type != wire.MsgIdentitiesAnswer {
		t.Fatalf("got response type %d, want MsgIdentitiesAnswer", resp.Type)
	}
	identities, err := wire.ParseIdentitiesAnswer(resp.Payload)
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(identities) != 2 {
		t.Fatalf("got %d identities, want 2", len(identities))
	}
	if backend.requestIdentitiesCalls != 0 || len(proc.launchCalls) != 0 {
		t.Fatalf("expected no backend I/O, got %d identity calls and %d launches", backend.requestIdentitiesCalls, len(proc.launchCalls))
	}
}

func TestRouter_Sign_TargetEqualsCurrent_Success(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping(agentmux.KeyMapping{Fingerprint: fp, Backend: "A"})
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	backend := &fakeBackend{signQueue: []signResult{{sig: []byte("sig")}}}
	proc := newFakeProc("A.exe")
	r := newTestRouter(cfg, mapping, newFakeFailures(), proc, backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	resp, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Type != wire.MsgSignResponse {
		t.Fatalf("got response type %d, want MsgSignResponse", resp.Type)
	}
	sig, err := wire.ParseSignResponse(resp.Payload)
	if err != nil || string(sig) != "sig" {
		t.Fatalf("got signature %v err %v, want 'sig'", sig, err)
	}
}

func TestRouter_Sign_ConnectionFailureCachesAndFails(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping(agentmux.KeyMapping{Fingerprint: fp, Backend: "A"})
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	boom := context.DeadlineExceeded
	backend := &fakeBackend{signQueue: []signResult{{err: boom}, {err: boom}}}
	proc := newFakeProc("A.exe")
	failures := newFakeFailures()
	r := newTestRouter(cfg, mapping, failures, proc, backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	resp, _ := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
	if resp.Type != wire.MsgFailure {
		t.Fatalf("got response type %d, want MsgFailure", resp.Type)
	}
	if !failures.IsCached(fp, "A") {
		t.Fatal("expected failure cache entry for (fp, A)")
	}
}

func TestRouter_Sign_RefusalNotCached(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping(agentmux.KeyMapping{Fingerprint: fp, Backend: "A"})
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	backend := &fakeBackend{signQueue: []signResult{{}}}
	proc := newFakeProc("A.exe")
	failures := newFakeFailures()
	r := newTestRouter(cfg, mapping, failures, proc, backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	resp, _ := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
	if resp.Type != wire.MsgFailure {
		t.Fatalf("got response type %d, want MsgFailure", resp.Type)
	}
	if failures.IsCached(fp, "A") {
		t.Fatal("sign refusal must not create a failure cache entry")
	}
}

func TestRouter_Sign_NoMapping_FallsThroughToOtherBackendOnRefusal(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping()
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1), backendSpec("B", 2)}}
	backend := &fakeBackend{signQueue: []signResult{{}, {sig: []byte("sig-b")}}}
	proc := newFakeProc("A.exe")
	r := newTestRouter(cfg, mapping, newFakeFailures(), proc, backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	resp, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Type != wire.MsgSignResponse {
		t.Fatalf("got response type %d, want MsgSignResponse", resp.Type)
	}
	sig, _ := wire.ParseSignResponse(resp.Payload)
	if string(sig) != "sig-b" {
		t.Fatalf("got signature %q, want sig-b", sig)
	}
	if gotBackend, ok := mapping.Get(fp); !ok || gotBackend != "B" {
		t.Fatalf("expected fp persisted to backend B, got %q ok=%v", gotBackend, ok)
	}
}

func TestRouter_Sign_PartialSwitch_Success(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping(agentmux.KeyMapping{Fingerprint: fp, Backend: "B"})
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1), backendSpec("B", 2)}}
	backend := &fakeBackend{
		identitiesQueue: [][]agentmux.Identity{nil, {{Blob: []byte("key")}}},
		signQueue:       []signResult{{sig: []byte("sig-b")}},
	}
	proc := newFakeProc("A.exe")
	r := newTestRouter(cfg, mapping, newFakeFailures(), proc, backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	resp, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Type != wire.MsgSignResponse {
		t.Fatalf("got response type %d, want MsgSignResponse", resp.Type)
	}
	foundTerminateA := false
	for _, c := range proc.terminateCalls {
		if c == "A.exe" {
			foundTerminateA = true
		}
	}
	if !foundTerminateA {
		t.Fatalf("expected A.exe to be terminated, got %v", proc.terminateCalls)
	}
	foundLaunchB := false
	for _, c := range proc.launchCalls {
		if c == "B.exe" {
			foundLaunchB = true
		}
	}
	if !foundLaunchB {
		t.Fatalf("expected B.exe to be launched, got %v", proc.launchCalls)
	}
	if r.currentBackend != "B" {
		t.Fatalf("got current backend %q, want B", r.currentBackend)
	}
}

func TestRouter_Forward_OpaqueRoundTrip(t *testing.T) {
	resp := &wire.Frame{Type: wire.MessageType(200), Payload: []byte("echo")}
	backend := &fakeBackend{forwardResp: resp}
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	r := newTestRouter(cfg, newFakeMapping(), newFakeFailures(), newFakeProc(), backend)
	r.Start(context.Background())

	got, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MessageType(200), Payload: []byte("request")})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got.Type != resp.Type || string(got.Payload) != string(resp.Payload) {
		t.Fatalf("got %+v, want %+v", got, *resp)
	}
}

func TestRouter_Handle_MalformedSignPayload(t *testing.T) {
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	r := newTestRouter(cfg, newFakeMapping(), newFakeFailures(), newFakeProc(), &fakeBackend{})
	r.Start(context.Background())

	resp, err := r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: []byte{0x00}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Type != wire.MsgFailure {
		t.Fatalf("got response type %d, want MsgFailure", resp.Type)
	}
}

func TestRouter_Lock_SerializesConcurrentSigns(t *testing.T) {
	fp := agentmux.FingerprintOf([]byte("key"))
	mapping := newFakeMapping(agentmux.KeyMapping{Fingerprint: fp, Backend: "A"})
	cfg := Config{Backends: []agentmux.BackendSpec{backendSpec("A", 1)}}
	backend := &fakeBackend{signQueue: []signResult{{sig: []byte("s1")}, {sig: []byte("s2")}}}
	r := newTestRouter(cfg, mapping, newFakeFailures(), newFakeProc("A.exe"), backend)
	r.Start(context.Background())
	r.currentBackend = "A"

	payload := wire.EncodeSignRequest([]byte("key"), []byte("data"), 0)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			r.Handle(context.Background(), pipeserver.ClientContext{}, wire.Frame{Type: wire.MsgSignRequest, Payload: payload})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&backend.maxInFlight); got != 1 {
		t.Fatalf("got max concurrent backend.Sign calls %d, want 1", got)
	}
}
