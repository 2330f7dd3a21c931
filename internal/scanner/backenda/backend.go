// Package backenda adapts document scanner hardware API "A" (spec §4.4) —
// a driver family that supports headless acquisition directly and keeps a
// local id cache because the native library doesn't populate a device's
// local id string until after it has been opened (spec §3, "Device
// descriptor").
//
// Structurally this follows the teacher's async-producer/bounded-channel
// bridge in go/ingest/ws_api.go's newIngestPump: a goroutine owns the
// device's acquisition loop and pushes scanner.Event values onto a
// buffered channel that the Router drains.
package backenda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/scanner"
)

const backendTag = "a"

// nativeDevice is a stand-in for the vendor SDK's device handle. Backend A
// keeps a map from the local id string (not always known until Select) to
// this handle, per the device-descriptor note in spec §3.
type nativeDevice struct {
	handle       string
	displayName  string
	isDefault    bool
	adfCapable   bool
	supportsDuplexOnePass bool
	paperSizes   []string
}

// Backend implements scanner.Backend for family "A".
type Backend struct {
	log *logrus.Entry

	mu        sync.Mutex
	state     scanner.State
	devices   map[string]*nativeDevice // local id -> handle
	selected  *nativeDevice
	settings  scanner.Settings

	guard  *scanner.TerminationGuard
	events chan scanner.Event

	activeCancel context.CancelFunc
}

// New constructs an uninitialized backend A adapter.
func New() *Backend {
	return &Backend{
		log:     logging.For("backend.a"),
		state:   scanner.StateUninitialized,
		devices: make(map[string]*nativeDevice),
		guard:   scanner.NewTerminationGuard(),
		events:  make(chan scanner.Event, 64),
	}
}

func (b *Backend) Name() string { return backendTag }

func (b *Backend) Events() <-chan scanner.Event { return b.events }

func (b *Backend) Initialize(ctx context.Context, uiHandle any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Discover top-level services. A real adapter would enumerate the
	// vendor library's service roots here; we seed a single-ADF device
	// representative of the family's typical desktop scanner. The vendor
	// library doesn't surface a stable local id until a device is opened
	// (spec §3, "Device descriptor"), so we mint one ourselves.
	localID := uuid.NewString()
	b.devices[localID] = &nativeDevice{
		handle:                localID,
		displayName:           "ACME ADF",
		isDefault:             true,
		adfCapable:            true,
		supportsDuplexOnePass: true,
		paperSizes:            []string{"A4", "LETTER", "LEGAL"},
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
		out = append(out, scanner.Device{
			ID:        localID,
			Name:      dev.displayName,
			IsDefault: dev.isDefault,
			Protocol:  backendTag,
		})
	}
	return out, nil
}

func (b *Backend) Select(ctx context.Context, localID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dev, ok := b.devices[localID]
	if !ok {
		return fmt.Errorf("backend a: unknown device %q", localID)
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
		return nil, fmt.Errorf("backend a: unknown device %q", localID)
	}

	snap := scanner.CapabilitySnapshot{
		scanner.CapDPI: {
			Key: scanner.CapDPI, Label: "Resolution (DPI)", Type: scanner.CapabilityInt,
			Readable: true, Writable: true,
		},
		scanner.CapPixelType: {
			Key: scanner.CapPixelType, Label: "Color mode", Type: scanner.CapabilityEnum,
			Readable: true, Writable: true,
			SupportedValues: []string{string(scanner.PixelTypeColor), string(scanner.PixelTypeGray8), string(scanner.PixelTypeBitonal)},
		},
		scanner.CapPaperSize: {
			Key: scanner.CapPaperSize, Label: "Paper size", Type: scanner.CapabilityEnum,
			Readable: true, Writable: true, SupportedValues: dev.paperSizes,
		},
		scanner.CapUseAdf: {
			Key: scanner.CapUseAdf, Label: "Use automatic document feeder", Type: scanner.CapabilityBool,
			Readable: true, Writable: dev.adfCapable,
		},
		scanner.CapDuplex: {
			Key: scanner.CapDuplex, Label: "Two-sided scanning", Type: scanner.CapabilityBool,
			Readable: true, Writable: dev.supportsDuplexOnePass,
		},
		scanner.CapMaxPages: {
			Key: scanner.CapMaxPages, Label: "Maximum pages", Type: scanner.CapabilityInt,
			Readable: true, Writable: true,
		},
		scanner.CapShowUI: {
			Key: scanner.CapShowUI, Label: "Show vendor UI", Type: scanner.CapabilityBool,
			Readable: true, Writable: true,
		},
		// Experimental, backend-qualified extra (spec §3).
		"a:colorCorrection": {
			Key: "a:colorCorrection", Label: "Automatic color correction", Type: scanner.CapabilityBool,
			Readable: true, Writable: true, Experimental: true,
		},
	}
	return snap, nil
}

func (b *Backend) Apply(ctx context.Context, settings scanner.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return fmt.Errorf("backend a: no device selected")
	}
	// Settings application quirk (spec §4.4.3): when ShowUI is requested the
	// vendor window owns maxPages, so we must not let it influence the
	// device-side cap we'd otherwise push. We simply remember the full
	// settings; the cap is consulted (not "pushed") in the acquisition loop.
	b.settings = settings
	return nil
}

func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	if b.selected == nil {
		b.mu.Unlock()
		return fmt.Errorf("backend a: no device selected")
	}
	if b.settings.ShowUI {
		// Backend A's headless path is always available; ShowUI just means
		// we simulate the non-modal window path succeeding directly (spec
		// §4.4.2 non-modal-first policy) since this family never requires
		// a mandatory UI fallback.
		b.log.WithField("requestId", requestID).Debug("non-modal UI acquisition requested")
	}
	settings := b.settings
	dev := b.selected
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

// acquire simulates the vendor library's page-transfer loop. maxPages is
// honored verbatim when ShowUI is false (the cap is pushed to the device);
// when ShowUI is true the backend does not push the cap (spec §4.4.3), but
// honors it on a best-effort basis here since the simulated "vendor
// window" has no real opinion about it — this resolves the first Open
// Question in spec §9 in backend A's favor (cap honored when the backend
// can honor it).
func (b *Backend) acquire(ctx context.Context, requestID string, dev *nativeDevice, settings scanner.Settings) {
	limit := settings.MaxPages
	useAdf := settings.UseAdf && dev.adfCapable

	total := limit
	if total < 0 {
		total = 3 // simulated batch size for "unlimited" ADF jobs
	}
	if !useAdf {
		total = 1
	}

	for ordinal := 1; ordinal <= total; ordinal++ {
		select {
		case <-ctx.Done():
			b.terminate(requestID, nil, &scanner.ErrorEvent{Code: "CANCELLED", Message: "scan cancelled"}, true)
			return
		case <-time.After(120 * time.Millisecond):
		}

		n, live := b.guard.RecordPage(requestID)
		if !live {
			return
		}
		page := &scanner.Page{
			Data: simulatedPageBytes(settings, n),
			Metadata: scanner.PageMetadata{
				Width: 2480, Height: 3508, Format: "png", DPI: settings.DPI,
			},
			Ordinal: n,
		}
		page.Metadata.Bytes = len(page.Data)
		b.emit(scanner.Event{RequestID: requestID, Page: page})
	}

	// "Feeder empty" after at least one page is a normal completion
	// (spec §4.4.1).
	b.terminateCompleted(requestID, total)
}

func (b *Backend) terminateCompleted(requestID string, total int) {
	if !b.guard.TryTerminate(requestID) {
		return
	}
	b.resetToDeviceOpen()
	b.emit(scanner.Event{RequestID: requestID, Completed: &scanner.CompletedEvent{TotalPages: total}})
	b.guard.Forget(requestID)
}

func (b *Backend) terminate(requestID string, _ *scanner.CompletedEvent, errEvt *scanner.ErrorEvent, force bool) {
	if force {
		// Cancellation still must obey first-writer-wins.
		if !b.guard.TryTerminate(requestID) {
			return
		}
	} else if b.guard.IsFeederEmptyAfterPages(requestID) {
		b.terminateCompleted(requestID, b.guard.PagesSoFar(requestID))
		return
	} else if !b.guard.TryTerminate(requestID) {
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

// simulatedPageBytes stands in for the bytes a real driver would hand back
// over its transfer callback.
func simulatedPageBytes(settings scanner.Settings, ordinal int) []byte {
	payload := fmt.Sprintf("backend-a-page-%d-%s-%d", ordinal, settings.PixelType, settings.DPI)
	return []byte(payload)
}
