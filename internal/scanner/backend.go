package scanner

import "context"

// Event is the tagged union of the three events every backend emits
// (spec §4.4): exactly one of Page/Completed/Err is set, matching
// the "first-writer-wins terminal emission" design note in spec §9.
type Event struct {
	RequestID string
	Page      *Page
	Completed *CompletedEvent
	Err       *ErrorEvent
}

// CompletedEvent carries the terminal success summary for a job.
type CompletedEvent struct {
	TotalPages int
}

// ErrorEvent carries the terminal failure summary for a job.
type ErrorEvent struct {
	Code    string
	Message string
}

// Backend is the polymorphic capability set every device-family adapter
// implements (spec §4.4). Implementations MUST be safe for concurrent use
// of Events() with any other method, since device-vendor libraries push
// notifications from threads outside the request flow (spec §9,
// "Callback-heavy device APIs").
type Backend interface {
	// Name is the backend tag used as the id namespace prefix ("a","b","e").
	Name() string

	// Initialize prepares the device library and discovers top-level
	// services. uiHandle is an opaque platform window handle some vendor
	// libraries require to host their UI; it may be nil for headless hosts.
	Initialize(ctx context.Context, uiHandle any) error

	// Shutdown releases all device handles. Safe to call multiple times.
	Shutdown()

	// Enumerate lists locally (or, for network backends, actively
	// discovered) reachable devices.
	Enumerate(ctx context.Context) ([]Device, error)

	// Select opens a specific device by its backend-local id, invalidating
	// any prior selection.
	Select(ctx context.Context, localID string) error

	// Capabilities returns the baseline-plus-extra capability snapshot of
	// localID, or nil if unknown.
	Capabilities(ctx context.Context, localID string) (CapabilitySnapshot, error)

	// Apply pushes settings onto the currently selected device, silently
	// ignoring fields the device does not support.
	Apply(ctx context.Context, settings Settings) error

	// Start begins an acquisition for requestID. It MUST NOT block across
	// pages; page/completed/error events arrive later on Events().
	Start(ctx context.Context, requestID string) error

	// Stop requests an abort of any in-progress acquisition. Safe to call
	// at any time, including when nothing is in progress.
	Stop()

	// Events returns the channel backends push Event values onto. The
	// channel is created at construction time and is never closed, not
	// even by Shutdown, so a long-lived fan-in goroutine (the Router's
	// bridge, spec §9) stops on context cancellation rather than on close.
	Events() <-chan Event
}

// State is the backend-local lifecycle (spec §4.4 state machine diagram).
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDeviceOpen
	StateScanning
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDeviceOpen:
		return "device_open"
	case StateScanning:
		return "scanning"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
