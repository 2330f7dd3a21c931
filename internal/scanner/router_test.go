package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is a minimal in-memory Backend double for exercising the
// Router without any real device I/O.
type fakeBackend struct {
	tag     string
	devices map[string]Device
	caps    CapabilitySnapshot
	events  chan Event

	selected string
	applied  Settings
}

func newFakeBackend(tag string) *fakeBackend {
	return &fakeBackend{
		tag:     tag,
		devices: map[string]Device{"dev1": {ID: "dev1", Name: "Fake Device", IsDefault: true}},
		caps: CapabilitySnapshot{
			CapDPI:       {Key: CapDPI, Type: CapabilityInt, Readable: true, Writable: true},
			CapPixelType: {Key: CapPixelType, Type: CapabilityEnum, Readable: true, Writable: true, SupportedValues: []string{"RGB", "GRAY8", "BITONAL"}},
			CapShowUI:    {Key: CapShowUI, Type: CapabilityBool, Readable: true, Writable: false},
		},
		events: make(chan Event, 8),
	}
}

func (f *fakeBackend) Name() string                                       { return f.tag }
func (f *fakeBackend) Initialize(ctx context.Context, uiHandle any) error { return nil }
func (f *fakeBackend) Shutdown()                                          {}
func (f *fakeBackend) Enumerate(ctx context.Context) ([]Device, error) {
	out := make([]Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}
func (f *fakeBackend) Select(ctx context.Context, localID string) error {
	if _, ok := f.devices[localID]; !ok {
		return context.DeadlineExceeded
	}
	f.selected = localID
	return nil
}
func (f *fakeBackend) Capabilities(ctx context.Context, localID string) (CapabilitySnapshot, error) {
	return f.caps, nil
}
func (f *fakeBackend) Apply(ctx context.Context, settings Settings) error {
	f.applied = settings
	return nil
}
func (f *fakeBackend) Start(ctx context.Context, requestID string) error {
	f.events <- Event{RequestID: requestID, Completed: &CompletedEvent{TotalPages: 1}}
	return nil
}
func (f *fakeBackend) Stop()                      {}
func (f *fakeBackend) Events() <-chan Event       { return f.events }

func TestParseIDDefaultsToBackendA(t *testing.T) {
	tag, local := ParseID("dev1")
	require.Equal(t, "a", tag)
	require.Equal(t, "dev1", local)

	tag, local = ParseID("b:dev2")
	require.Equal(t, "b", tag)
	require.Equal(t, "dev2", local)
}

func TestRouterSelectAndActiveDevice(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)

	_, ok := r.ActiveDevice()
	require.False(t, ok)

	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	id, ok := r.ActiveDevice()
	require.True(t, ok)
	require.Equal(t, "a:dev1", id)
}

func TestRouterSelectUnknownBackend(t *testing.T) {
	r := NewRouter()
	err := r.Select(context.Background(), "z:dev1")
	require.Error(t, err)
}

func TestRouterEnumerateNamespacesIDs(t *testing.T) {
	r := NewRouter()
	r.Register(newFakeBackend("a"))

	devices, err := r.Enumerate(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "a:dev1", devices[0].ID)
}

func TestRouterEnumerateFilter(t *testing.T) {
	r := NewRouter()
	r.Register(newFakeBackend("a"))
	r.Register(newFakeBackend("b"))

	devices, err := r.Enumerate(context.Background(), []string{"b"})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "b:dev1", devices[0].ID)
}

func TestRouterMarkUnmarkScanning(t *testing.T) {
	r := NewRouter()
	require.False(t, r.IsScanning())

	r.MarkScanning("req1")
	require.True(t, r.IsScanning())

	r.UnmarkScanning("req1")
	require.False(t, r.IsScanning())
}

func TestRouterApplyDeviceSettingsRejectsWhileScanning(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Select(context.Background(), "a:dev1"))
	r.MarkScanning("req1")

	results, err := r.ApplyDeviceSettings(context.Background(), map[string]any{CapDPI: 300}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "rejected", results[0].Status)
}

func TestRouterApplyDeviceSettingsValidatesCapabilities(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	results, err := r.ApplyDeviceSettings(context.Background(), map[string]any{
		CapDPI:    300,
		CapShowUI: true, // not writable on the fake backend
		"bogus":   1,    // unknown capability
	}, nil)
	require.NoError(t, err)

	byKey := map[string]SettingsPatchResult{}
	for _, res := range results {
		byKey[res.Key] = res
	}
	require.Equal(t, "applied", byKey[CapDPI].Status)
	require.Equal(t, "rejected", byKey[CapShowUI].Status)
	require.Equal(t, "rejected", byKey["bogus"].Status)
	require.Equal(t, 300, fb.applied.DPI)
}

func TestRouterApplyJSONPatchBytes(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	patch := []byte(`[{"op":"replace","path":"/dpi","value":600}]`)
	results, err := r.ApplyJSONPatchBytes(context.Background(), patch, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, CapDPI, results[0].Key)
	require.Equal(t, "applied", results[0].Status)
	require.Equal(t, 600, fb.applied.DPI)
}

func TestRouterApplyJSONPatchBytesMergesWithAdvanced(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	patch := []byte(`[{"op":"replace","path":"/dpi","value":600}]`)
	results, err := r.ApplyJSONPatchBytes(context.Background(), patch, map[string]any{"vendorMode": "fast"})
	require.NoError(t, err)

	byKey := make(map[string]SettingsPatchResult)
	for _, res := range results {
		byKey[res.Key] = res
	}
	require.Equal(t, "applied", byKey[CapDPI].Status)
	require.Equal(t, "applied", byKey["vendorMode"].Status)
	require.Equal(t, 600, fb.applied.DPI)
}

func TestRouterApplyJSONPatchBytesNoOpReturnsNil(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	// lastSettings starts at DefaultSettings() (dpi 200); patch sets the
	// same value, so nothing should be considered "changed".
	patch := []byte(`[{"op":"replace","path":"/dpi","value":200}]`)
	results, err := r.ApplyJSONPatchBytes(context.Background(), patch, nil)
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestRouterFanInDeliversEventsToSubscribers(t *testing.T) {
	r := NewRouter()
	fb := newFakeBackend("a")
	r.Register(fb)
	require.NoError(t, r.Initialize(context.Background(), nil))
	defer r.Shutdown()
	require.NoError(t, r.Select(context.Background(), "a:dev1"))

	received := make(chan Event, 1)
	r.Subscribe("req1", func(evt Event) { received <- evt })

	require.NoError(t, r.Start(context.Background(), "req1"))

	select {
	case evt := <-received:
		require.Equal(t, "req1", evt.RequestID)
		require.NotNil(t, evt.Completed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-in event")
	}

	r.Unsubscribe("req1")
}
