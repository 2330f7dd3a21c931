// Package backendb adapts document scanner hardware API "B" (spec §4.4),
// a driver family whose devices may mandate a vendor UI window. It exists
// to exercise the UI-mode policy in spec §4.4.2: headless-first with a
// typed failure hinting at showUI, then non-modal-UI-first with a
// modal-UI fallback.
package backendb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/scanner"
)

const backendTag = "b"

type nativeDevice struct {
	handle        string
	displayName   string
	isDefault     bool
	requiresUI    bool // this device's driver rejects headless acquisition
	nonModalFails bool // the non-modal UI path itself is broken for this device
	duplexOnePass bool
}

// Backend implements scanner.Backend for family "B".
type Backend struct {
	log *logrus.Entry

	mu       sync.Mutex
	state    scanner.State
	devices  map[string]*nativeDevice
	selected *nativeDevice
	settings scanner.Settings

	guard        *scanner.TerminationGuard
	events       chan scanner.Event
	activeCancel context.CancelFunc
}

func New() *Backend {
	return &Backend{
		log:     logging.For("backend.b"),
		state:   scanner.StateUninitialized,
		devices: make(map[string]*nativeDevice),
		guard:   scanner.NewTerminationGuard(),
		events:  make(chan scanner.Event, 64),
	}
}

func (b *Backend) Name() string                 { return backendTag }
func (b *Backend) Events() <-chan scanner.Event  { return b.events }

func (b *Backend) Initialize(ctx context.Context, uiHandle any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices["Vendor Flatbed"] = &nativeDevice{
		handle:        "b-dev-1",
		displayName:   "Vendor Flatbed",
		isDefault:     false,
		requiresUI:    true,
		nonModalFails: true, // this device only tolerates its modal dialog
		duplexOnePass: false,
	}
	b.state = scanner.StateReady
	b.log.Info("initialized")
	return nil
}

func (b *Backend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeCancel != nil {
		b.activeCancel()
	}
	b.selected = nil
	b.devices = make(map[string]*nativeDevice)
	b.state = scanner.StateUninitialized
	b.log.Info("shutdown")
}

func (b *Backend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]scanner.Device, 0, len(b.devices))
	for localID, dev := range b.devices {
		out = append(out, scanner.Device{ID: localID, Name: dev.displayName, IsDefault: dev.isDefault, Protocol: backendTag})
	}
	return out, nil
}

func (b *Backend) Select(ctx context.Context, localID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[localID]
	if !ok {
		return fmt.Errorf("backend b: unknown device %q", localID)
	}
	b.selected = dev
	b.settings = scanner.DefaultSettings()
	b.state = scanner.StateDeviceOpen
	return nil
}

func (b *Backend) Capabilities(ctx context.Context, localID string) (scanner.CapabilitySnapshot, error) {
	b.mu.Lock()
	dev, ok := b.devices[localID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend b: unknown device %q", localID)
	}
	return scanner.CapabilitySnapshot{
		scanner.CapDPI:       {Key: scanner.CapDPI, Label: "Resolution (DPI)", Type: scanner.CapabilityInt, Readable: true, Writable: true},
		scanner.CapPixelType: {Key: scanner.CapPixelType, Label: "Color mode", Type: scanner.CapabilityEnum, Readable: true, Writable: true, SupportedValues: []string{string(scanner.PixelTypeColor), string(scanner.PixelTypeGray8)}},
		scanner.CapPaperSize: {Key: scanner.CapPaperSize, Label: "Paper size", Type: scanner.CapabilityEnum, Readable: true, Writable: true, SupportedValues: []string{"A4", "LETTER"}},
		scanner.CapUseAdf:    {Key: scanner.CapUseAdf, Label: "Use automatic document feeder", Type: scanner.CapabilityBool, Readable: true, Writable: false},
		scanner.CapDuplex:    {Key: scanner.CapDuplex, Label: "Two-sided scanning", Type: scanner.CapabilityBool, Readable: true, Writable: dev.duplexOnePass},
		scanner.CapMaxPages:  {Key: scanner.CapMaxPages, Label: "Maximum pages", Type: scanner.CapabilityInt, Readable: true, Writable: true},
		scanner.CapShowUI:    {Key: scanner.CapShowUI, Label: "Show vendor UI", Type: scanner.CapabilityBool, Readable: true, Writable: true},
	}, nil
}

func (b *Backend) Apply(ctx context.Context, settings scanner.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return fmt.Errorf("backend b: no device selected")
	}
	b.settings = settings
	return nil
}

// headlessUnsupportedError is returned by Start when ShowUI is false and
// the selected device mandates a vendor window (spec §4.4.2).
type headlessUnsupportedError struct{ device string }

func (e *headlessUnsupportedError) Error() string {
	return fmt.Sprintf("device %q requires the vendor UI; retry with showUI=true", e.device)
}

func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	if b.selected == nil {
		b.mu.Unlock()
		return fmt.Errorf("backend b: no device selected")
	}
	dev := b.selected
	settings := b.settings

	if !settings.ShowUI && dev.requiresUI {
		b.mu.Unlock()
		return &headlessUnsupportedError{device: dev.displayName}
	}

	if settings.ShowUI {
		// Non-modal first, modal fallback (spec §4.4.2). Backend B's
		// simulated device may reject the non-modal path; that rejection
		// is logged, and the simulated modal fallback always succeeds, so
		// this path never returns an error.
		if dev.nonModalFails {
			b.log.WithField("requestId", requestID).Debug("non-modal UI rejected, falling back to modal")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.activeCancel = cancel
	b.state = scanner.StateScanning
	b.mu.Unlock()

	b.guard.Begin(requestID)
	go b.acquire(ctx, requestID, dev, settings)
	return nil
}

func (b *Backend) Stop() {
	b.mu.Lock()
	cancel := b.activeCancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Backend) acquire(ctx context.Context, requestID string, dev *nativeDevice, settings scanner.Settings) {
	// Flatbed devices transfer one page at a time regardless of maxPages,
	// unless continuousScan requests repeated flatbed batches (spec §9
	// Open Question: treated here as "advisory batch mode" — we honor it
	// as repeating up to maxPages, or 2 pages if unlimited/unset).
	total := 1
	if settings.ContinuousScan {
		if settings.MaxPages > 0 {
			total = settings.MaxPages
		} else {
			total = 2
		}
	}

	for ordinal := 1; ordinal <= total; ordinal++ {
		select {
		case <-ctx.Done():
			b.terminate(requestID, &scanner.ErrorEvent{Code: "CANCELLED", Message: "scan cancelled"})
			return
		case <-time.After(150 * time.Millisecond):
		}

		n, live := b.guard.RecordPage(requestID)
		if !live {
			return
		}
		page := &scanner.Page{
			Data: []byte(fmt.Sprintf("backend-b-page-%d-%s", n, settings.PixelType)),
			Metadata: scanner.PageMetadata{
				Width: 2550, Height: 3300, Format: "png", DPI: settings.DPI,
			},
			Ordinal: n,
		}
		page.Metadata.Bytes = len(page.Data)
		b.emit(scanner.Event{RequestID: requestID, Page: page})
	}

	if !b.guard.TryTerminate(requestID) {
		return
	}
	b.resetToDeviceOpen()
	b.emit(scanner.Event{RequestID: requestID, Completed: &scanner.CompletedEvent{TotalPages: total}})
	b.guard.Forget(requestID)
}

func (b *Backend) terminate(requestID string, errEvt *scanner.ErrorEvent) {
	if !b.guard.TryTerminate(requestID) {
		return
	}
	b.resetToDeviceOpen()
	b.emit(scanner.Event{RequestID: requestID, Err: errEvt})
	b.guard.Forget(requestID)
}

func (b *Backend) resetToDeviceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = scanner.StateDeviceOpen
	b.activeCancel = nil
}

func (b *Backend) emit(e scanner.Event) {
	select {
	case b.events <- e:
	default:
		b.log.WithField("requestId", e.RequestID).Warn("event channel full, dropping event")
	}
}

// IsHeadlessUnsupported reports whether err is the typed headless-rejected
// error this backend raises, so the Gateway can attach the showUI hint
// (spec §4.4.2, §8 scenario 6) without string-matching error text.
func IsHeadlessUnsupported(err error) bool {
	_, ok := err.(*headlessUnsupportedError)
	return ok
}
