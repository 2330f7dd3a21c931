// Package scanner defines the polymorphic Scanner Backend capability set
// (spec §4.4), the data model shared by every backend (§3), and the router
// that aggregates backends behind a single namespaced façade (§4.5).
//
// The shape follows the teacher's callback-heavy device bridging pattern in
// go/ingest/ws_api.go (asynchronous producers feeding bounded channels that
// a single consumer drains) generalized from one ingestion pump to three
// event kinds per backend.
package scanner

import "fmt"

// PixelType enumerates the canonical, uppercase-stored scan color modes.
type PixelType string

const (
	PixelTypeColor  PixelType = "RGB"
	PixelTypeGray8  PixelType = "GRAY8"
	PixelTypeBitonal PixelType = "BITONAL"
)

// CapabilityValueType tags the kind of value a capability holds.
type CapabilityValueType string

const (
	CapabilityBool   CapabilityValueType = "bool"
	CapabilityInt    CapabilityValueType = "int"
	CapabilityEnum   CapabilityValueType = "enum"
	CapabilityString CapabilityValueType = "string"
)

// Baseline capability keys every backend is expected to expose a mapping
// for (spec §3, "Device capability snapshot").
const (
	CapDPI        = "dpi"
	CapPixelType  = "pixelType"
	CapPaperSize  = "paperSize"
	CapUseAdf     = "useAdf"
	CapDuplex     = "duplex"
	CapMaxPages   = "maxPages"
	CapShowUI     = "showUI"
)

var BaselineCapabilityKeys = []string{
	CapDPI, CapPixelType, CapPaperSize, CapUseAdf, CapDuplex, CapMaxPages, CapShowUI,
}

// Capability describes one settable or observable device property.
type Capability struct {
	Key             string              `json:"key"`
	Label           string              `json:"label"`
	Description     string              `json:"description,omitempty"`
	Type            CapabilityValueType `json:"type"`
	Readable        bool                `json:"isReadable"`
	Writable        bool                `json:"isWritable"`
	Experimental    bool                `json:"experimental"`
	SupportedValues []string            `json:"supportedValues,omitempty"`
	CurrentValue    any                 `json:"currentValue,omitempty"`
}

// CapabilitySnapshot is the full capability mapping for one device.
type CapabilitySnapshot map[string]Capability

// Device describes one enumerated device, namespaced by backend.
type Device struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	IsDefault    bool               `json:"isDefault"`
	Protocol     string             `json:"protocol"`
	Capabilities CapabilitySnapshot `json:"capabilities,omitempty"`
}

// Settings is the fully enumerated, request-scoped scan configuration
// (spec §3, "Scan settings").
type Settings struct {
	DPI             int       `json:"dpi"`
	PixelType       PixelType `json:"pixelType"`
	PaperSize       string    `json:"paperSize"`
	Duplex          bool      `json:"duplex"`
	UseAdf          bool      `json:"useAdf"`
	MaxPages        int       `json:"maxPages"`
	ShowUI          bool      `json:"showUI"`
	ContinuousScan  bool      `json:"continuousScan"`
	Source          string    `json:"source,omitempty"`
	Protocols       []string  `json:"protocols,omitempty"`
}

// DefaultSettings returns the wire defaults enumerated in spec §6.
func DefaultSettings() Settings {
	return Settings{
		DPI:       200,
		PixelType: PixelTypeColor,
		PaperSize: "A4",
		Duplex:    false,
		ShowUI:    false,
		UseAdf:    true,
		MaxPages:  -1,
	}
}

// Validate enforces the invariants named in spec §3 for Scan settings that
// are meaningful independent of any particular backend's capability list
// (per-device enum membership is checked by the router against the
// backend's CapabilitySnapshot, not here).
func (s Settings) Validate() error {
	if s.DPI <= 0 {
		return fmt.Errorf("dpi must be positive, got %d", s.DPI)
	}
	if s.MaxPages == 0 {
		return fmt.Errorf("maxPages of 0 is invalid (use -1 for unlimited)")
	}
	switch s.PixelType {
	case PixelTypeColor, PixelTypeGray8, PixelTypeBitonal:
	default:
		return fmt.Errorf("unsupported pixelType %q", s.PixelType)
	}
	return nil
}

// PageMetadata describes one transferred page (spec §3, "Page").
type PageMetadata struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format"`
	Bytes   int    `json:"bytes"`
	DPI     int    `json:"dpi"`
}

// Page is immutable once constructed.
type Page struct {
	Data     []byte
	Metadata PageMetadata
	Ordinal  int
}

// SettingsPatchResult is one field's outcome from ApplyDeviceSettings
// (spec §4.5).
type SettingsPatchResult struct {
	Key          string `json:"key"`
	Status       string `json:"status"` // "applied" | "rejected"
	Message      string `json:"message,omitempty"`
	AppliedValue any    `json:"appliedValue,omitempty"`
}
