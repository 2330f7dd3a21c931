// Package protocol implements the Protocol Codec (spec §4.3): decoding
// inbound JSON text frames into a tagged Request variant, and encoding
// outbound Response values with the wire conventions spec §6 mandates
// (omitted nulls, lower-camel-case keys, ISO-8601 UTC timestamps).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scanbridge/scanbridged/internal/scanner"
)

// Action is the wire action tag (spec §6).
type Action string

const (
	ActionAuthenticate         Action = "authenticate"
	ActionPing                 Action = "ping"
	ActionListScanners         Action = "list_scanners"
	ActionSelectScanner        Action = "select_scanner"
	ActionGetCapabilities      Action = "get_capabilities"
	ActionGetDeviceCapabilities Action = "get_device_capabilities"
	ActionApplyDeviceSettings  Action = "apply_device_settings"
	ActionScan                 Action = "scan"
	ActionStopScan             Action = "stop_scan"
)

// Status is the wire status tag (spec §6).
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusScanning  Status = "scanning"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Error codes (spec §6/§7).
const (
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrInvalidToken        = "INVALID_TOKEN"
	ErrTokenExpired        = "TOKEN_EXPIRED"
	ErrInvalidRequest      = "INVALID_REQUEST"
	ErrScannerNotFound     = "SCANNER_NOT_FOUND"
	ErrScannerBusy         = "SCANNER_BUSY"
	ErrScanFailed          = "SCAN_FAILED"
	ErrNoScannersAvailable = "NO_SCANNERS_AVAILABLE"
	ErrInternal            = "INTERNAL_ERROR"
)

// Request is the decoded form of one inbound JSON frame (spec §6).
type Request struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"requestId"`
	Token     string          `json:"token,omitempty"`
	Settings  *scanner.Settings `json:"settings,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Advanced  map[string]any  `json:"advanced,omitempty"`
}

// rawRequest mirrors Request's wire shape for decoding before validating
// the action tag.
type rawRequest struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Token     string          `json:"token,omitempty"`
	Settings  *scanner.Settings `json:"settings,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Advanced  map[string]any  `json:"advanced,omitempty"`
}

// DecodeError is returned by Decode for malformed or unrecognized frames.
// The Gateway maps it to an INVALID_REQUEST response, echoing RequestID
// when it could be recovered (spec §4.3, §7).
type DecodeError struct {
	RequestID string // best-effort; may be empty
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

var knownActions = map[string]Action{
	string(ActionAuthenticate):          ActionAuthenticate,
	string(ActionPing):                  ActionPing,
	string(ActionListScanners):          ActionListScanners,
	string(ActionSelectScanner):         ActionSelectScanner,
	string(ActionGetCapabilities):       ActionGetCapabilities,
	string(ActionGetDeviceCapabilities): ActionGetDeviceCapabilities,
	string(ActionApplyDeviceSettings):   ActionApplyDeviceSettings,
	string(ActionScan):                  ActionScan,
	string(ActionStopScan):              ActionStopScan,
}

// LegacyWakeUpFrame is the bare text frame recognized ahead of JSON
// decoding (spec §4.3 compatibility note).
const LegacyWakeUpFrame = "1100"

// Decode parses one text frame into a Request. When a settings object is
// present, its zero-valued dpi, pixelType, paperSize and maxPages are
// backfilled with the spec §6 defaults; when it is absent, Settings stays
// nil and each handler decides how to treat that.
func Decode(frame []byte) (*Request, *DecodeError) {
	var raw rawRequest
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	action, ok := knownActions[raw.Action]
	if !ok {
		return nil, &DecodeError{RequestID: raw.RequestID, Reason: fmt.Sprintf("unknown action %q", raw.Action)}
	}
	if raw.RequestID == "" {
		return nil, &DecodeError{Reason: "missing requestId"}
	}

	req := &Request{
		Action:    action,
		RequestID: raw.RequestID,
		Token:     raw.Token,
		Settings:  raw.Settings,
		Patch:     raw.Patch,
		Advanced:  raw.Advanced,
	}

	if req.Settings != nil {
		fillSettingsDefaults(req.Settings)
	}

	return req, nil
}

// fillSettingsDefaults backfills zero-valued dpi, pixelType, paperSize and
// maxPages with the wire defaults documented in spec §6, since a client
// may send a partial settings object. Boolean fields are not backfilled:
// an omitted useAdf decodes as false, not as the DefaultSettings value.
func fillSettingsDefaults(s *scanner.Settings) {
	defaults := scanner.DefaultSettings()
	if s.DPI == 0 {
		s.DPI = defaults.DPI
	}
	if s.PixelType == "" {
		s.PixelType = defaults.PixelType
	} else {
		s.PixelType = scanner.PixelType(upper(string(s.PixelType)))
	}
	if s.PaperSize == "" {
		s.PaperSize = defaults.PaperSize
	}
	if s.MaxPages == 0 {
		s.MaxPages = defaults.MaxPages
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// Response is the outbound envelope (spec §6). Fields is a bag of
// action-specific payload keys merged into the top-level JSON object at
// encode time, matching spec §6's flat per-action response shapes.
type Response struct {
	Status    Status         `json:"status"`
	Action    string         `json:"action"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
	Fields    map[string]any `json:"-"`
}

// NewResponse constructs a Response stamped with the current time (ISO-8601
// UTC on encode, spec §6).
func NewResponse(status Status, action, requestID string) *Response {
	return &Response{
		Status:    status,
		Action:    action,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]any),
	}
}

// WithField chains a Fields assignment for readable call sites.
func (r *Response) WithField(key string, value any) *Response {
	r.Fields[key] = value
	return r
}

// Encode serializes r as the flat JSON object spec §6 describes: the fixed
// envelope keys plus Fields merged alongside them, omitting Message/
// ErrorCode when empty and any nil Fields values.
func (r *Response) Encode() ([]byte, error) {
	out := map[string]any{
		"status":    r.Status,
		"action":    r.Action,
		"requestId": r.RequestID,
		"timestamp": r.Timestamp.Format(time.RFC3339),
	}
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.ErrorCode != "" {
		out["errorCode"] = r.ErrorCode
	}
	for k, v := range r.Fields {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// NewError builds an error Response (spec §6/§7).
func NewError(action, requestID, code, message string) *Response {
	r := NewResponse(StatusError, action, requestID)
	r.ErrorCode = code
	r.Message = message
	return r
}
