// Package router implements the request-routing engine: the state machine
// that owns the merged identity list, the fingerprint-to-backend mapping,
// and the decision of which backend currently owns the shared pipe (spec
// §4.7). Every externally observable operation takes one exclusive lock for
// its full duration, including any backend switch and retries (spec §5).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/smnsjas/agentmux"
	"github.com/smnsjas/agentmux/hostmatch"
	internallog "github.com/smnsjas/agentmux/internal/log"
	"github.com/smnsjas/agentmux/pipeserver"
	"github.com/smnsjas/agentmux/wire"
)

const (
	backendStartupWait    = 3 * time.Second
	triggerUnlockAttempts = 10
	triggerUnlockInterval = 1500 * time.Millisecond
	signRetryAttempts     = 5
)

// BackendClient is the single connector to the shared backend pipe. Each
// method call is independent: the router must not assume two successive
// calls reach the same backend process (spec §4.2).
type BackendClient interface {
	RequestIdentities(ctx context.Context) ([]agentmux.Identity, error)
	Sign(ctx context.Context, keyBlob, data []byte, flags uint32) ([]byte, error)
	Forward(ctx context.Context, frame wire.Frame) (*wire.Frame, error)
}

// ProcessController starts, stops, and queries backend processes (spec §4.4).
type ProcessController interface {
	IsRunning(ctx context.Context, processName string) (bool, error)
	Terminate(ctx context.Context, processName string) error
	Launch(ctx context.Context, processName, exePath string) error
}

// MappingStore is the durable fingerprint-to-backend map (spec §4.5).
type MappingStore interface {
	Get(fp agentmux.Fingerprint) (backend string, ok bool)
	Put(fp agentmux.Fingerprint, backend string, blob []byte, comment string) error
	CachedIdentities() []agentmux.Identity
	DistinctBackends() int
}

// FailureCache suppresses retries against a backend that just failed to
// connect for a given fingerprint (spec §4.6).
type FailureCache interface {
	MarkFailed(fp agentmux.Fingerprint, backend string)
	IsCached(fp agentmux.Fingerprint, backend string) bool
	Clear(fp agentmux.Fingerprint, backend string)
}

// KeySelector is the out-of-scope interactive key-selection dialog (spec
// §1 Non-goals list the UI as an external collaborator). The router calls
// it only when more than one key and more than one backend are candidates
// and no host hint matched.
type KeySelector interface {
	Select(ctx context.Context, candidates []agentmux.Identity, timeout time.Duration) (selected []agentmux.Identity, ok bool)
}

type noSelector struct{}

func (noSelector) Select(context.Context, []agentmux.Identity, time.Duration) ([]agentmux.Identity, bool) {
	return nil, false
}

// Waiter abstracts time.Sleep so tests can run retry/backoff sequences
// without waiting in real time.
type Waiter interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realWaiter struct{}

func (realWaiter) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config carries the static, configuration-derived settings a Router needs
// (spec §6's persisted document, minus persistence mechanics).
type Config struct {
	Backends            []agentmux.BackendSpec
	DefaultBackend      string
	HostHints           []agentmux.HostHint
	KeySelectionTimeout time.Duration
}

// Router owns the mutable routing state described in spec §3.
type Router struct {
	lock *ctxMutex

	backends       []agentmux.BackendSpec
	backendsByName map[string]agentmux.BackendSpec
	defaultBackend string
	hostHints      []agentmux.HostHint
	selectTimeout  time.Duration

	mapping  MappingStore
	failures FailureCache
	proc     ProcessController
	backend  BackendClient
	sleep    Waiter
	selector KeySelector
	hint     func(pid uint32) string

	logger *slog.Logger

	// Fields below are mutated only while lock is held.
	currentBackend string
	allKeys        []agentmux.Identity
	keysScanned    bool
}

// New constructs a Router. Call Start once before serving requests.
func New(cfg Config, mapping MappingStore, failures FailureCache, proc ProcessController, backend BackendClient, logger *slog.Logger) *Router {
	sorted := append([]agentmux.BackendSpec(nil), cfg.Backends...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	byName := make(map[string]agentmux.BackendSpec, len(sorted))
	for _, b := range sorted {
		byName[b.Name] = b
	}

	return &Router{
		lock:           newCtxMutex(),
		backends:       sorted,
		backendsByName: byName,
		defaultBackend: cfg.DefaultBackend,
		hostHints:      cfg.HostHints,
		selectTimeout:  cfg.KeySelectionTimeout,
		mapping:        mapping,
		failures:       failures,
		proc:           proc,
		backend:        backend,
		sleep:          realWaiter{},
		selector:       noSelector{},
		hint:           func(uint32) string { return "" },
		logger:         logger,
	}
}

// SetKeySelector installs the interactive key-selection collaborator.
func (r *Router) SetKeySelector(s KeySelector) {
	if s != nil {
		r.selector = s
	}
}

// SetHintResolver installs the function that turns a peer pid into an
// opaque connection hint (spec §1: inferring hints from peer processes is
// out of scope for this engine; it only consumes the resulting string).
func (r *Router) SetHintResolver(f func(pid uint32) string) {
	if f != nil {
		r.hint = f
	}
}

// Start runs the startup sequence: seed cached identities, infer whether a
// prior scan already covered multiple backends, and detect which backend
// currently owns the shared pipe without querying the pipe itself (spec
// §4.7 Startup).
func (r *Router) Start(ctx context.Context) error {
	if err := r.lock.Lock(ctx); err != nil {
		return err
	}
	defer r.lock.Unlock()

	r.allKeys = append([]agentmux.Identity(nil), r.mapping.CachedIdentities()...)
	if r.mapping.DistinctBackends() >= 2 {
		r.keysScanned = true
	}
	r.currentBackend = r.detectCurrentBackendLocked(ctx)
	return nil
}

// isUnlockOnListBackend classifies a backend by name using the canonical
// two-backend convention (spec §4.7 Startup item 3: Bitwarden-like backends
// steal the pipe and prompt for unlock on list; 1Password-like backends do
// not). This is a naming heuristic, not a configuration field, because
// spec §6's persisted schema has no such key; it degrades to "unknown"
// gracefully wherever the canonical pair isn't configured.
func isUnlockOnListBackend(name string) bool {
	return strings.Contains(strings.ToLower(name), "bitwarden")
}

func (r *Router) classifyCanonicalPairLocked() (unlockOnList, listWithoutUnlock agentmux.BackendSpec, ok bool) {
	if len(r.backends) != 2 {
		return agentmux.BackendSpec{}, agentmux.BackendSpec{}, false
	}
	var unlock, other []agentmux.BackendSpec
	for _, b := range r.backends {
		if isUnlockOnListBackend(b.Name) {
			unlock = append(unlock, b)
		} else {
			other = append(other, b)
		}
	}
	if len(unlock) != 1 || len(other) != 1 {
		return agentmux.BackendSpec{}, agentmux.BackendSpec{}, false
	}
	return unlock[0], other[0], true
}

func (r *Router) detectCurrentBackendLocked(ctx context.Context) string {
	unlockOnList, listWithoutUnlock, ok := r.classifyCanonicalPairLocked()
	if !ok {
		return ""
	}
	if running, _ := r.proc.IsRunning(ctx, unlockOnList.ProcessName); running {
		return unlockOnList.Name
	}
	if running, _ := r.proc.IsRunning(ctx, listWithoutUnlock.ProcessName); running {
		return listWithoutUnlock.Name
	}
	return ""
}

// Handle implements pipeserver.Handler. It never fails the connection: every
// request resolves to a well-formed frame (spec §7 propagation policy).
func (r *Router) Handle(ctx context.Context, client pipeserver.ClientContext, frame wire.Frame) (wire.Frame, error) {
	if err := r.lock.Lock(ctx); err != nil {
		return wire.Frame{Type: wire.MsgFailure}, nil
	}
	defer r.lock.Unlock()

	switch frame.Type {
	case wire.MsgRequestIdentities:
		return r.handleListLocked(ctx, client), nil
	case wire.MsgSignRequest:
		return r.handleSignLocked(ctx, frame), nil
	default:
		return r.handleForwardLocked(ctx, frame), nil
	}
}

func (r *Router) handleListLocked(ctx context.Context, client pipeserver.ClientContext) wire.Frame {
	candidates := r.candidateListLocked(ctx)
	if len(candidates) == 0 {
		return wire.Frame{Type: wire.MsgFailure}
	}

	hint := r.hint(client.PID)
	_, hintMatched := hostmatch.Match(r.hostHints, hint)
	ordered := reorderByHint(candidates, r.hostHints, hint)

	final := ordered
	if !hintMatched && len(ordered) > 1 && len(r.backends) > 1 {
		if selected, ok := r.selector.Select(ctx, ordered, r.selectTimeout); ok {
			final = selected
		}
	}

	return wire.Frame{Type: wire.MsgIdentitiesAnswer, Payload: wire.EncodeIdentitiesAnswer(final)}
}

// candidateListLocked implements the listing policy of spec §4.7 steps 1-3.
func (r *Router) candidateListLocked(ctx context.Context) []agentmux.Identity {
	if r.keysScanned && len(r.allKeys) > 0 {
		return append([]agentmux.Identity(nil), r.allKeys...)
	}

	if len(r.backends) == 1 {
		identities, err := r.backend.RequestIdentities(ctx)
		if err != nil || len(identities) == 0 {
			return append([]agentmux.Identity(nil), r.allKeys...)
		}
		r.allKeys = mergeIdentities(r.allKeys, identities)
		r.keysScanned = true
		return append([]agentmux.Identity(nil), r.allKeys...)
	}

	merged := append([]agentmux.Identity(nil), r.allKeys...)
	seen := make(map[agentmux.Fingerprint]bool, len(merged))
	for _, id := range merged {
		seen[agentmux.FingerprintOf(id.Blob)] = true
	}

	for _, b := range r.backends {
		if running, _ := r.proc.IsRunning(ctx, b.ProcessName); !running {
			if err := r.proc.Launch(ctx, b.ProcessName, b.ExecutablePath); err != nil {
				r.logWarn("launch %s during scan: %v", b.Name, err)
				r.auditProcess(internallog.NewCorrelationID(), b.Name, internallog.SubtypeProcessLaunch, internallog.OutcomeFailure)
				continue
			}
			r.auditProcess(internallog.NewCorrelationID(), b.Name, internallog.SubtypeProcessLaunch, internallog.OutcomeSuccess)
		}
		identities, err := r.backend.RequestIdentities(ctx)
		if err != nil {
			continue
		}
		for _, id := range identities {
			fp := agentmux.FingerprintOf(id.Blob)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			merged = append(merged, id)
			if err := r.mapping.Put(fp, b.Name, id.Blob, id.Comment); err != nil {
				r.logWarn("persist discovered mapping for %s: %v", fp, err)
			}
		}
	}

	r.allKeys = merged
	r.keysScanned = true
	return append([]agentmux.Identity(nil), merged...)
}

func reorderByHint(identities []agentmux.Identity, hints []agentmux.HostHint, hint string) []agentmux.Identity {
	if hint == "" {
		return identities
	}
	fp, matched := hostmatch.Match(hints, hint)
	if !matched {
		return identities
	}
	out := make([]agentmux.Identity, 0, len(identities))
	var moved *agentmux.Identity
	for i := range identities {
		if agentmux.FingerprintOf(identities[i].Blob) == fp {
			id := identities[i]
			moved = &id
			continue
		}
		out = append(out, identities[i])
	}
	if moved == nil {
		return identities
	}
	return append([]agentmux.Identity{*moved}, out...)
}

func mergeIdentities(existing, additions []agentmux.Identity) []agentmux.Identity {
	seen := make(map[agentmux.Fingerprint]bool, len(existing))
	out := append([]agentmux.Identity(nil), existing...)
	for _, id := range out {
		seen[agentmux.FingerprintOf(id.Blob)] = true
	}
	for _, id := range additions {
		fp := agentmux.FingerprintOf(id.Blob)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, id)
	}
	return out
}

func (r *Router) handleSignLocked(ctx context.Context, frame wire.Frame) wire.Frame {
	keyBlob, data, flags, err := wire.ParseSignRequest(frame.Payload)
	if err != nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	fp := agentmux.FingerprintOf(keyBlob)
	correlationID := internallog.NewCorrelationID()

	if d := r.detectCurrentBackendLocked(ctx); d != "" {
		r.currentBackend = d
	}

	_, hadExplicitMapping := r.mapping.Get(fp)
	target := r.resolveTargetLocked(fp)
	if target == "" {
		r.auditSign(correlationID, "", fp, internallog.OutcomeFailure, keyBlob)
		return wire.Frame{Type: wire.MsgFailure}
	}

	if target == r.currentBackend && r.currentBackend != "" {
		if !r.failures.IsCached(fp, target) {
			if sig, ok := r.attemptOnCurrentLocked(ctx, fp, target, keyBlob, data, flags); ok {
				r.auditSign(correlationID, target, fp, internallog.OutcomeSuccess, keyBlob)
				return wire.Frame{Type: wire.MsgSignResponse, Payload: wire.EncodeSignResponse(sig)}
			}
		}
	} else {
		if !r.failures.IsCached(fp, target) {
			if sig, ok := r.partialSwitchAndSignLocked(ctx, fp, target, keyBlob, data, flags, correlationID); ok {
				r.auditSign(correlationID, target, fp, internallog.OutcomeSuccess, keyBlob)
				return wire.Frame{Type: wire.MsgSignResponse, Payload: wire.EncodeSignResponse(sig)}
			}
		}
	}

	if !hadExplicitMapping {
		for _, b := range r.backends {
			if b.Name == target {
				continue
			}
			if r.failures.IsCached(fp, b.Name) {
				continue
			}
			if sig, ok := r.fullSwitchAndSignLocked(ctx, fp, b.Name, keyBlob, data, flags, correlationID); ok {
				r.auditSign(correlationID, b.Name, fp, internallog.OutcomeSuccess, keyBlob)
				return wire.Frame{Type: wire.MsgSignResponse, Payload: wire.EncodeSignResponse(sig)}
			}
		}
	}

	r.auditSign(correlationID, target, fp, internallog.OutcomeFailure, keyBlob)
	return wire.Frame{Type: wire.MsgFailure}
}

// auditSign emits a structured sign-request audit event. The key type is
// best-effort (agentmux.KeyType returns "unknown" for anything that does
// not decode as a recognized OpenSSH public key) and is never used to
// reject a request, only to enrich the log line.
func (r *Router) auditSign(correlationID, backend string, fp agentmux.Fingerprint, outcome string, keyBlob []byte) {
	subtype := internallog.SubtypeSignForwarded
	severity := internallog.SeverityInfo
	if outcome == internallog.OutcomeFailure {
		subtype = internallog.SubtypeSignRefused
		severity = internallog.SeverityWarning
	}
	internallog.NewAuditEvent(internallog.EventSignRequest, subtype, correlationID, outcome, severity).
		WithBackend(backend).
		WithFingerprint(string(fp)).
		WithDetail("key_type", agentmux.KeyType(keyBlob)).
		Log(r.logger)
}

func (r *Router) resolveTargetLocked(fp agentmux.Fingerprint) string {
	if backend, ok := r.mapping.Get(fp); ok && backend != "" {
		return backend
	}
	if r.currentBackend != "" {
		return r.currentBackend
	}
	return r.defaultBackend
}

// attemptOnCurrentLocked is step A: sign against the backend the router
// already believes owns the pipe, with orphan-pipe recovery for backends
// that don't prompt for unlock on list.
func (r *Router) attemptOnCurrentLocked(ctx context.Context, fp agentmux.Fingerprint, backend string, keyBlob, data []byte, flags uint32) ([]byte, bool) {
	sig, err := r.backend.Sign(ctx, keyBlob, data, flags)
	if err != nil {
		r.failures.MarkFailed(fp, backend)

		if !isUnlockOnListBackend(backend) {
			if relaunchErr := r.relaunchBackendLocked(ctx, backend); relaunchErr == nil {
				sig2, err2 := r.backend.Sign(ctx, keyBlob, data, flags)
				if err2 == nil && len(sig2) > 0 {
					r.failures.Clear(fp, backend)
					r.persistMappingLocked(fp, backend, keyBlob, "")
					return sig2, true
				}
				if err2 != nil {
					r.failures.MarkFailed(fp, backend)
				}
			}
		}
		return nil, false
	}
	if len(sig) == 0 {
		return nil, false
	}
	r.failures.Clear(fp, backend)
	r.persistMappingLocked(fp, backend, keyBlob, "")
	return sig, true
}

func (r *Router) relaunchBackendLocked(ctx context.Context, name string) error {
	spec, ok := r.backendsByName[name]
	if !ok {
		return fmt.Errorf("router: unknown backend %q", name)
	}
	correlationID := internallog.NewCorrelationID()
	terminateOutcome := internallog.OutcomeSuccess
	if err := r.proc.Terminate(ctx, spec.ProcessName); err != nil {
		r.logWarn("terminate %s during orphan recovery: %v", name, err)
		terminateOutcome = internallog.OutcomeFailure
	}
	r.auditProcess(correlationID, name, internallog.SubtypeProcessTerminate, terminateOutcome)

	if err := r.proc.Launch(ctx, spec.ProcessName, spec.ExecutablePath); err != nil {
		r.auditProcess(correlationID, name, internallog.SubtypeProcessLaunch, internallog.OutcomeFailure)
		return fmt.Errorf("router: relaunch %s: %w", name, err)
	}
	r.auditProcess(correlationID, name, internallog.SubtypeProcessLaunch, internallog.OutcomeSuccess)
	return r.sleep.Sleep(ctx, backendStartupWait)
}

// partialSwitchAndSignLocked is step B: terminate only the current backend,
// launch the target, trigger its unlock prompt via a listing loop, then
// retry signing.
func (r *Router) partialSwitchAndSignLocked(ctx context.Context, fp agentmux.Fingerprint, target string, keyBlob, data []byte, flags uint32, correlationID string) ([]byte, bool) {
	targetSpec, ok := r.backendsByName[target]
	if !ok {
		return nil, false
	}

	if r.currentBackend != "" {
		if cur, ok := r.backendsByName[r.currentBackend]; ok {
			terminateOutcome := internallog.OutcomeSuccess
			if err := r.proc.Terminate(ctx, cur.ProcessName); err != nil {
				r.logWarn("terminate %s for partial switch: %v", r.currentBackend, err)
				terminateOutcome = internallog.OutcomeFailure
			}
			r.auditProcess(correlationID, r.currentBackend, internallog.SubtypeProcessTerminate, terminateOutcome)
		}
	}
	if err := r.proc.Launch(ctx, targetSpec.ProcessName, targetSpec.ExecutablePath); err != nil {
		r.logWarn("launch %s for partial switch: %v", target, err)
		r.auditProcess(correlationID, target, internallog.SubtypeProcessLaunch, internallog.OutcomeFailure)
		r.failures.MarkFailed(fp, target)
		return nil, false
	}
	r.auditProcess(correlationID, target, internallog.SubtypeProcessLaunch, internallog.OutcomeSuccess)
	if err := r.sleep.Sleep(ctx, backendStartupWait); err != nil {
		return nil, false
	}
	r.currentBackend = target
	r.auditSwitch(correlationID, target, "partial")

	for i := 0; i < triggerUnlockAttempts; i++ {
		identities, err := r.backend.RequestIdentities(ctx)
		if err == nil && len(identities) > 0 {
			break
		}
		if err := r.sleep.Sleep(ctx, triggerUnlockInterval); err != nil {
			return nil, false
		}
	}

	for attempt := 1; attempt <= signRetryAttempts; attempt++ {
		sig, err := r.backend.Sign(ctx, keyBlob, data, flags)
		if err != nil {
			r.failures.MarkFailed(fp, target)
			return nil, false
		}
		if len(sig) > 0 {
			r.failures.Clear(fp, target)
			r.persistMappingLocked(fp, target, keyBlob, "")
			return sig, true
		}
		r.logInfo("sign refused by %s for %s, retry %d/%d", target, fp, attempt, signRetryAttempts)
		if attempt < signRetryAttempts {
			if err := r.sleep.Sleep(ctx, calculateBackoff(attempt, defaultBackoffPolicy)); err != nil {
				return nil, false
			}
		}
	}
	return nil, false
}

// fullSwitchAndSignLocked is step C: terminate every configured backend,
// launch target, and attempt one sign.
func (r *Router) fullSwitchAndSignLocked(ctx context.Context, fp agentmux.Fingerprint, target string, keyBlob, data []byte, flags uint32, correlationID string) ([]byte, bool) {
	targetSpec, ok := r.backendsByName[target]
	if !ok {
		return nil, false
	}

	for _, b := range r.backends {
		terminateOutcome := internallog.OutcomeSuccess
		if err := r.proc.Terminate(ctx, b.ProcessName); err != nil {
			r.logWarn("terminate %s during full switch: %v", b.Name, err)
			terminateOutcome = internallog.OutcomeFailure
		}
		r.auditProcess(correlationID, b.Name, internallog.SubtypeProcessTerminate, terminateOutcome)
	}
	if err := r.proc.Launch(ctx, targetSpec.ProcessName, targetSpec.ExecutablePath); err != nil {
		r.logWarn("launch %s during full switch: %v", target, err)
		r.auditProcess(correlationID, target, internallog.SubtypeProcessLaunch, internallog.OutcomeFailure)
		r.failures.MarkFailed(fp, target)
		return nil, false
	}
	r.auditProcess(correlationID, target, internallog.SubtypeProcessLaunch, internallog.OutcomeSuccess)
	if err := r.sleep.Sleep(ctx, backendStartupWait); err != nil {
		return nil, false
	}
	r.currentBackend = target
	r.auditSwitch(correlationID, target, "full")

	sig, err := r.backend.Sign(ctx, keyBlob, data, flags)
	if err != nil {
		r.failures.MarkFailed(fp, target)
		return nil, false
	}
	if len(sig) == 0 {
		return nil, false
	}
	r.failures.Clear(fp, target)
	r.persistMappingLocked(fp, target, keyBlob, "")
	return sig, true
}

func (r *Router) persistMappingLocked(fp agentmux.Fingerprint, backend string, blob []byte, comment string) {
	if err := r.mapping.Put(fp, backend, blob, comment); err != nil {
		r.logWarn("persist mapping for %s -> %s: %v", fp, backend, err)
	}
	r.allKeys = mergeIdentities(r.allKeys, []agentmux.Identity{{Blob: blob, Comment: comment}})
}

func (r *Router) handleForwardLocked(ctx context.Context, frame wire.Frame) wire.Frame {
	resp, err := r.backend.Forward(ctx, frame)
	if err != nil || resp == nil {
		return wire.Frame{Type: wire.MsgFailure}
	}
	return *resp
}

// SwitchTo implements the manual switch_to command (spec §4.7 Manual
// commands). It always relaunches the non-target backends afterward, so a
// user-initiated switch never leaves the other backend cold.
func (r *Router) SwitchTo(ctx context.Context, name string, force bool) error {
	if err := r.lock.Lock(ctx); err != nil {
		return err
	}
	defer r.lock.Unlock()

	if !force && r.currentBackend == name {
		return nil
	}
	target, ok := r.backendsByName[name]
	if !ok {
		return fmt.Errorf("router: unknown backend %q", name)
	}
	correlationID := internallog.NewCorrelationID()

	for _, b := range r.backends {
		terminateOutcome := internallog.OutcomeSuccess
		if err := r.proc.Terminate(ctx, b.ProcessName); err != nil {
			r.logWarn("terminate %s during manual switch: %v", b.Name, err)
			terminateOutcome = internallog.OutcomeFailure
		}
		r.auditProcess(correlationID, b.Name, internallog.SubtypeProcessTerminate, terminateOutcome)
	}
	if err := r.proc.Launch(ctx, target.ProcessName, target.ExecutablePath); err != nil {
		r.auditProcess(correlationID, name, internallog.SubtypeProcessLaunch, internallog.OutcomeFailure)
		return fmt.Errorf("router: launch %s: %w", name, err)
	}
	r.auditProcess(correlationID, name, internallog.SubtypeProcessLaunch, internallog.OutcomeSuccess)
	if err := r.sleep.Sleep(ctx, backendStartupWait); err != nil {
		return err
	}
	r.currentBackend = name
	r.auditSwitch(correlationID, name, "manual")

	for _, b := range r.backends {
		if b.Name == name {
			continue
		}
		launchOutcome := internallog.OutcomeSuccess
		if err := r.proc.Launch(ctx, b.ProcessName, b.ExecutablePath); err != nil {
			r.logWarn("launch %s after manual switch: %v", b.Name, err)
			launchOutcome = internallog.OutcomeFailure
		}
		r.auditProcess(correlationID, b.Name, internallog.SubtypeProcessLaunch, launchOutcome)
	}
	return nil
}

// Rescan implements the manual rescan command: clear the cached listing and
// perform a fresh merged scan.
func (r *Router) Rescan(ctx context.Context) error {
	if err := r.lock.Lock(ctx); err != nil {
		return err
	}
	defer r.lock.Unlock()

	r.allKeys = nil
	r.keysScanned = false
	r.candidateListLocked(ctx)
	return nil
}

func (r *Router) auditSwitch(correlationID, backend, kind string) {
	internallog.NewAuditEvent(internallog.EventBackendSwitch, kind, correlationID, internallog.OutcomeSuccess, internallog.SeverityInfo).
		WithBackend(backend).
		Log(r.logger)
}

// auditProcess emits a structured process_control audit event for a
// terminate or launch issued against a backend's process (spec §4.4, §4.8).
func (r *Router) auditProcess(correlationID, backend, subtype, outcome string) {
	severity := internallog.SeverityInfo
	if outcome == internallog.OutcomeFailure {
		severity = internallog.SeverityWarning
	}
	internallog.NewAuditEvent(internallog.EventProcessControl, subtype, correlationID, outcome, severity).
		WithBackend(backend).
		Log(r.logger)
}

func (r *Router) logInfo(format string, args ...any) {
	if r.logger != nil {
		r.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (r *Router) logWarn(format string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(fmt.Sprintf(format, args...))
	}
}
