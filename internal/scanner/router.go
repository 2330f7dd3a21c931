package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
)

// legacyDefaultBackend is the prefix assumed for a bare (unprefixed) device
// id, for backwards compatibility (spec §4.5).
const legacyDefaultBackend = "a"

// EventHandler receives a fanned-in backend event already scoped to one
// request id. Events are passed on exactly as the backend emitted them;
// they carry no backend tag.
type EventHandler func(Event)

// Router aggregates registered backends behind a single namespaced façade
// (spec §4.5) and owns the single-seat active-device cell (spec §9,
// "Global mutable state").
type Router struct {
	log *logrus.Entry

	backends map[string]Backend

	mu             sync.Mutex
	activeBackend  string
	activeDeviceID string // backend-local id of the active device
	lastSettings   Settings
	scanning       map[string]bool // requestID -> in progress, used for the busy check

	handlersMu sync.Mutex
	handlers   map[string][]EventHandler // requestID -> subscribed handlers

	cancelFanIn context.CancelFunc
}

// NewRouter constructs a router with no backends registered; call Register
// for each backend before Initialize.
func NewRouter() *Router {
	return &Router{
		log:      logging.For("router"),
		backends: make(map[string]Backend),
		scanning: make(map[string]bool),
		handlers: make(map[string][]EventHandler),
	}
}

// Register adds a backend to the façade, keyed by its Name() tag.
func (r *Router) Register(b Backend) {
	r.backends[b.Name()] = b
}

// Initialize starts the fan-in goroutine and initializes every registered
// backend.
func (r *Router) Initialize(ctx context.Context, uiHandle any) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelFanIn = cancel

	for tag, b := range r.backends {
		if err := b.Initialize(ctx, uiHandle); err != nil {
			r.log.WithError(err).WithField("backend", tag).Warn("backend failed to initialize")
			continue
		}
		go r.fanIn(ctx, tag, b)
	}
	return nil
}

// fanIn drains one backend's event channel for the router's lifetime,
// dispatching each event to handlers registered for its request id. This
// is the bounded-channel bridge spec §9 calls for: per-backend goroutines
// feeding a shared dispatch point.
func (r *Router) fanIn(ctx context.Context, tag string, b Backend) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.Events():
			if !ok {
				return
			}
			r.dispatch(evt)
		}
	}
}

func (r *Router) dispatch(evt Event) {
	r.handlersMu.Lock()
	hs := append([]EventHandler(nil), r.handlers[evt.RequestID]...)
	r.handlersMu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

// Subscribe registers a handler for requestID; multiple subscriptions
// simply all receive the event. The Gateway calls this once per job with a
// single handler that covers page, completed and error events (spec §4.7).
func (r *Router) Subscribe(requestID string, h EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[requestID] = append(r.handlers[requestID], h)
}

// Unsubscribe removes all handlers for requestID. Safe to call more than
// once (spec §4.7, "registration and unregistration are idempotent").
func (r *Router) Unsubscribe(requestID string) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	delete(r.handlers, requestID)
}

// ParseID splits a possibly-namespaced device id into (backend, localID).
// A bare id with no ":" is treated as backend "a" (spec §4.5).
func ParseID(id string) (backendTag, localID string) {
	if idx := strings.IndexByte(id, ':'); idx >= 0 {
		return id[:idx], id[idx+1:]
	}
	return legacyDefaultBackend, id
}

// Enumerate delegates to every available backend (or the filter subset),
// namespacing returned ids.
func (r *Router) Enumerate(ctx context.Context, filter []string) ([]Device, error) {
	allowed := toSet(filter)

	var out []Device
	for tag, b := range r.backends {
		if len(allowed) > 0 && !allowed[tag] {
			continue
		}
		devices, err := b.Enumerate(ctx)
		if err != nil {
			r.log.WithError(err).WithField("backend", tag).Warn("enumerate failed")
			continue
		}
		for _, d := range devices {
			d.ID = tag + ":" + d.ID
			out = append(out, d)
		}
	}
	return out, nil
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

// Select opens namespacedID on its backend and atomically becomes the
// router's single active device (spec §5, "Device selection is global").
func (r *Router) Select(ctx context.Context, namespacedID string) error {
	tag, localID := ParseID(namespacedID)
	b, ok := r.backends[tag]
	if !ok {
		return fmt.Errorf("unknown backend %q", tag)
	}
	if err := b.Select(ctx, localID); err != nil {
		return err
	}

	r.mu.Lock()
	r.activeBackend = tag
	r.activeDeviceID = localID
	r.lastSettings = DefaultSettings()
	r.mu.Unlock()
	return nil
}

// ActiveDevice returns the namespaced id of the currently selected device,
// and ok=false if none is selected — preserving the invariant that
// activeBackend and activeDeviceID are either both set or both unset
// (spec §3).
func (r *Router) ActiveDevice() (namespacedID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeBackend == "" {
		return "", false
	}
	return r.activeBackend + ":" + r.activeDeviceID, true
}

func (r *Router) activeBackendImpl() (Backend, string, bool) {
	r.mu.Lock()
	tag, localID := r.activeBackend, r.activeDeviceID
	r.mu.Unlock()
	if tag == "" {
		return nil, "", false
	}
	b, ok := r.backends[tag]
	return b, localID, ok
}

// GetDeviceCapabilities assembles the dynamic capability list for the
// active device, carrying current values from the router's last-applied
// settings snapshot (spec §4.5).
func (r *Router) GetDeviceCapabilities(ctx context.Context) (namespacedID, protocol string, caps []Capability, err error) {
	b, localID, ok := r.activeBackendImpl()
	if !ok {
		return "", "", nil, fmt.Errorf("no device selected")
	}
	snap, err := b.Capabilities(ctx, localID)
	if err != nil {
		return "", "", nil, err
	}

	r.mu.Lock()
	settings := r.lastSettings
	backendTag := r.activeBackend
	r.mu.Unlock()

	current := settingsAsMap(settings)
	for key, cap := range snap {
		if v, ok := current[key]; ok {
			cap.CurrentValue = v
		}
		caps = append(caps, cap)
	}
	return backendTag + ":" + localID, backendTag, caps, nil
}

func settingsAsMap(s Settings) map[string]any {
	return map[string]any{
		CapDPI:       s.DPI,
		CapPixelType: string(s.PixelType),
		CapPaperSize: s.PaperSize,
		CapUseAdf:    s.UseAdf,
		CapDuplex:    s.Duplex,
		CapMaxPages:  s.MaxPages,
		CapShowUI:    s.ShowUI,
	}
}

// IsScanning reports whether any request id is currently in progress on
// the active device (spec §5, "concurrent scans on the shared device are
// rejected with SCANNER_BUSY").
func (r *Router) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scanning) > 0
}

// MarkScanning/UnmarkScanning track single-seat device occupancy, keyed by
// requestID so stop/terminal races can't double-release someone else's
// slot.
func (r *Router) MarkScanning(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning[requestID] = true
}

func (r *Router) UnmarkScanning(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scanning, requestID)
}

// ApplyDeviceSettings applies a JSON-merge-patch-shaped settings patch plus
// an optional backend-specific advanced map (spec §4.5). Each present
// field in patch is validated against the active device's capability
// snapshot independently; the merged settings are pushed to the backend
// only if at least one field succeeded. If a scan is in progress the whole
// call fails with a single "scan" record.
func (r *Router) ApplyDeviceSettings(ctx context.Context, patch map[string]any, advanced map[string]any) ([]SettingsPatchResult, error) {
	if r.IsScanning() {
		return []SettingsPatchResult{{Key: "scan", Status: "rejected", Message: "a scan is in progress"}}, nil
	}

	b, localID, ok := r.activeBackendImpl()
	if !ok {
		return nil, fmt.Errorf("no device selected")
	}
	snap, err := b.Capabilities(ctx, localID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	merged := r.lastSettings
	r.mu.Unlock()

	var results []SettingsPatchResult
	succeeded := false

	for key, raw := range patch {
		cap, known := snap[key]
		if !known {
			results = append(results, SettingsPatchResult{Key: key, Status: "rejected", Message: "unknown capability"})
			continue
		}
		if !cap.Writable {
			results = append(results, SettingsPatchResult{Key: key, Status: "rejected", Message: "not writable"})
			continue
		}
		if err := applyPatchField(&merged, key, raw, cap); err != nil {
			results = append(results, SettingsPatchResult{Key: key, Status: "rejected", Message: err.Error()})
			continue
		}
		succeeded = true
		results = append(results, SettingsPatchResult{Key: key, Status: "applied", AppliedValue: raw})
	}

	for key, raw := range advanced {
		// Advanced, backend-specific keys are routed opaquely; we record
		// them as applied without backend-side validation here, trusting
		// the backend's Apply to "silently ignore fields it does not
		// support" per spec §4.4.
		_ = raw
		succeeded = true
		results = append(results, SettingsPatchResult{Key: key, Status: "applied", AppliedValue: raw})
	}

	if succeeded {
		if err := b.Apply(ctx, merged); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.lastSettings = merged
		r.mu.Unlock()
	}

	return results, nil
}

func applyPatchField(s *Settings, key string, raw any, cap Capability) error {
	switch key {
	case CapDPI:
		v, err := asInt(raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("dpi must be a positive integer")
		}
		s.DPI = v
	case CapPixelType:
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("pixelType must be a string")
		}
		if !containsCaseInsensitive(cap.SupportedValues, str) {
			return fmt.Errorf("unsupported pixelType %q", str)
		}
		s.PixelType = PixelType(strings.ToUpper(str))
	case CapPaperSize:
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("paperSize must be a string")
		}
		if !containsCaseInsensitive(cap.SupportedValues, str) {
			return fmt.Errorf("unsupported paperSize %q", str)
		}
		s.PaperSize = str
	case CapDuplex:
		v, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("duplex must be a boolean")
		}
		s.Duplex = v
	case CapUseAdf:
		v, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("useAdf must be a boolean")
		}
		s.UseAdf = v
	case CapMaxPages:
		v, err := asInt(raw)
		if err != nil || v == 0 {
			return fmt.Errorf("maxPages must be a nonzero integer")
		}
		s.MaxPages = v
	case CapShowUI:
		v, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("showUI must be a boolean")
		}
		s.ShowUI = v
	default:
		return fmt.Errorf("unsupported capability key %q", key)
	}
	return nil
}

func asInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func containsCaseInsensitive(list []string, needle string) bool {
	for _, v := range list {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}

// Apply pushes settings verbatim to the active backend, bypassing patch
// semantics — used by the scan handler (spec §4.7 step 3) which applies a
// full settings object rather than a partial patch.
func (r *Router) Apply(ctx context.Context, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	b, _, ok := r.activeBackendImpl()
	if !ok {
		return fmt.Errorf("no device selected")
	}
	if err := b.Apply(ctx, settings); err != nil {
		return err
	}
	r.mu.Lock()
	r.lastSettings = settings
	r.mu.Unlock()
	return nil
}

// Start begins acquisition for requestID on the active device.
func (r *Router) Start(ctx context.Context, requestID string) error {
	b, _, ok := r.activeBackendImpl()
	if !ok {
		return fmt.Errorf("no device selected")
	}
	return b.Start(ctx, requestID)
}

// Stop requests the active backend abort its current acquisition.
func (r *Router) Stop() {
	b, _, ok := r.activeBackendImpl()
	if !ok {
		return
	}
	b.Stop()
}

// Shutdown releases every registered backend, in registration order is not
// guaranteed (backends don't depend on each other).
func (r *Router) Shutdown() {
	if r.cancelFanIn != nil {
		r.cancelFanIn()
	}
	for _, b := range r.backends {
		b.Shutdown()
	}
}

// mergeJSONPatch applies an RFC 6902 JSON Patch document to a JSON-encoded
// value, using github.com/evanphx/json-patch/v5 the same way the teacher's
// go.mod pulls it in for document patching.
func mergeJSONPatch(original []byte, patch []byte) ([]byte, error) {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, fmt.Errorf("decoding json patch: %w", err)
	}
	return p.Apply(original)
}

// ApplyJSONPatchBytes accepts an advanced RFC 6902 JSON Patch document
// (rather than the flat key/value map ApplyDeviceSettings takes) against
// the router's last-applied settings snapshot, diffs the result to find
// which fields actually changed, and merges those with advanced (which may
// be nil) into a single ApplyDeviceSettings call so one request carrying
// both a patch and advanced fields applies both and returns one merged
// results slice. patchDoc may be empty, in which case only advanced is
// applied.
func (r *Router) ApplyJSONPatchBytes(ctx context.Context, patchDoc []byte, advanced map[string]any) ([]SettingsPatchResult, error) {
	if r.IsScanning() {
		return []SettingsPatchResult{{Key: "scan", Status: "rejected", Message: "a scan is in progress"}}, nil
	}

	var changed map[string]any
	if len(patchDoc) > 0 {
		r.mu.Lock()
		before := r.lastSettings
		r.mu.Unlock()

		beforeJSON, err := json.Marshal(before)
		if err != nil {
			return nil, err
		}
		afterJSON, err := mergeJSONPatch(beforeJSON, patchDoc)
		if err != nil {
			return nil, err
		}
		var after Settings
		if err := json.Unmarshal(afterJSON, &after); err != nil {
			return nil, fmt.Errorf("decoding patched settings: %w", err)
		}
		changed = diffSettingsFields(before, after)
	}

	if len(changed) == 0 && len(advanced) == 0 {
		return nil, nil
	}
	return r.ApplyDeviceSettings(ctx, changed, advanced)
}

func diffSettingsFields(before, after Settings) map[string]any {
	changed := make(map[string]any)
	if before.DPI != after.DPI {
		changed[CapDPI] = after.DPI
	}
	if before.PixelType != after.PixelType {
		changed[CapPixelType] = string(after.PixelType)
	}
	if before.PaperSize != after.PaperSize {
		changed[CapPaperSize] = after.PaperSize
	}
	if before.Duplex != after.Duplex {
		changed[CapDuplex] = after.Duplex
	}
	if before.UseAdf != after.UseAdf {
		changed[CapUseAdf] = after.UseAdf
	}
	if before.MaxPages != after.MaxPages {
		changed[CapMaxPages] = after.MaxPages
	}
	if before.ShowUI != after.ShowUI {
		changed[CapShowUI] = after.ShowUI
	}
	return changed
}
