package gateway

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/scanbridge/scanbridged/internal/metrics"
	"github.com/scanbridge/scanbridged/internal/prefs"
	"github.com/scanbridge/scanbridged/internal/protocol"
	"github.com/scanbridge/scanbridged/internal/scanner"
	"github.com/scanbridge/scanbridged/internal/scanner/backendb"
	"github.com/scanbridge/scanbridged/internal/session"
)

func (g *Gateway) handleAuthenticate(c *conn, req *protocol.Request) *protocol.Response {
	sess, err := g.sessions.Create(c.id, "")
	if err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, "failed to create session")
	}
	if sess == nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, "maximum concurrent sessions reached")
	}
	metrics.SessionsCreated.Inc()

	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("token", sess.Token)
	resp.WithField("expiresAt", sess.ExpiresAt.UTC().Format(time.RFC3339))
	return resp
}

func (g *Gateway) handlePing(req *protocol.Request) *protocol.Response {
	resp := protocol.NewResponse(protocol.StatusSuccess, "pong", req.RequestID)
	resp.Message = "pong"
	return resp
}

func (g *Gateway) handleListScanners(ctx context.Context, req *protocol.Request) *protocol.Response {
	var filter []string
	if req.Settings != nil {
		filter = req.Settings.Protocols
	}
	devices, err := g.router.Enumerate(ctx, filter)
	if err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, err.Error())
	}
	if len(devices) == 0 {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrNoScannersAvailable, "no scanners available")
	}

	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("scanners", deviceList(devices, g.preferredDeviceID()))
	return resp
}

func (g *Gateway) handleGetCapabilities(ctx context.Context, req *protocol.Request) *protocol.Response {
	// Baseline capabilities of every enumerable device, same payload shape
	// as list_scanners (spec §6).
	devices, err := g.router.Enumerate(ctx, nil)
	if err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, err.Error())
	}
	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("scanners", deviceList(devices, g.preferredDeviceID()))
	return resp
}

// preferredDeviceID returns the namespaced id C9 last remembered as the
// user's chosen default, or "" if nothing is stored yet or no preference
// store is wired (spec §4.9).
func (g *Gateway) preferredDeviceID() string {
	if g.prefs == nil {
		return ""
	}
	p := g.prefs.Load()
	if p.DefaultBackend == "" || p.DefaultDeviceID == "" {
		return ""
	}
	return p.DefaultBackend + ":" + p.DefaultDeviceID
}

// deviceList renders the wire scanner list (spec §6). When preferredID is
// non-empty, it overrides each backend's own IsDefault flag so the one
// persisted device (C9) is the one marked default; otherwise each
// backend's self-reported default stands.
func deviceList(devices []scanner.Device, preferredID string) []map[string]any {
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		isDefault := d.IsDefault
		if preferredID != "" {
			isDefault = d.ID == preferredID
		}
		out = append(out, map[string]any{
			"name":         d.Name,
			"id":           d.ID,
			"isDefault":    isDefault,
			"protocol":     d.Protocol,
			"capabilities": d.Capabilities,
		})
	}
	return out
}

func (g *Gateway) handleSelectScanner(ctx context.Context, req *protocol.Request, sess *session.Session) *protocol.Response {
	if req.Settings == nil || req.Settings.Source == "" {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInvalidRequest, "settings.source is required")
	}
	if err := g.router.Select(ctx, req.Settings.Source); err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerNotFound, err.Error())
	}
	sess.SetSelectedScanner(req.Settings.Source)
	g.rememberAsDefault(req.Settings.Source)

	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("scannerId", req.Settings.Source)
	return resp
}

// rememberAsDefault persists the selected device as C9's default-device
// preference, best-effort (spec §4.9: Save failures are logged, never
// surfaced to the scan path).
func (g *Gateway) rememberAsDefault(namespacedID string) {
	if g.prefs == nil {
		return
	}
	backendTag, localID := splitNamespacedID(namespacedID)
	g.prefs.Save(prefs.Preferences{DefaultBackend: backendTag, DefaultDeviceID: localID})
}

func (g *Gateway) handleGetDeviceCapabilities(ctx context.Context, req *protocol.Request) *protocol.Response {
	id, protocolTag, caps, err := g.router.GetDeviceCapabilities(ctx)
	if err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerNotFound, err.Error())
	}
	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("scannerId", id)
	resp.WithField("protocol", protocolTag)
	resp.WithField("capabilities", caps)
	return resp
}

func (g *Gateway) handleApplyDeviceSettings(ctx context.Context, req *protocol.Request, sess *session.Session) *protocol.Response {
	if sess.IsScanning() {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerBusy, "a scan is already in progress on this session")
	}

	// Patch and advanced are independent inputs that both apply to the
	// same call: a request carrying both gets one merged results[] (spec
	// §6, "Apply patch and/or advanced; return per-field results").
	results, err := g.router.ApplyJSONPatchBytes(ctx, req.Patch, req.Advanced)
	if err != nil {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInternal, err.Error())
	}

	id, protocolTag := g.activeDeviceOrEmpty()
	resp := protocol.NewResponse(protocol.StatusSuccess, string(req.Action), req.RequestID)
	resp.WithField("scannerId", id)
	resp.WithField("protocol", protocolTag)
	resp.WithField("results", results)
	return resp
}

func (g *Gateway) activeDeviceOrEmpty() (id, protocolTag string) {
	namespacedID, present := g.router.ActiveDevice()
	if !present {
		return "", ""
	}
	backendTag, _ := splitNamespacedID(namespacedID)
	return namespacedID, backendTag
}

func splitNamespacedID(id string) (backendTag, localID string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return "a", id
}

// handleScan implements the scan handler algorithm of spec §4.7.
func (g *Gateway) handleScan(ctx context.Context, c *conn, req *protocol.Request, sess *session.Session) *protocol.Response {
	// Step 1: reject if the session already has a job.
	if !sess.BeginScan(req.RequestID) {
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerBusy, "a scan is already in progress for this session")
	}

	if g.router.IsScanning() {
		sess.EndScan(req.RequestID)
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerBusy, "the scanner is busy with another session")
	}

	settings := scanner.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := settings.Validate(); err != nil {
		sess.EndScan(req.RequestID)
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrInvalidRequest, err.Error())
	}

	// Step 3: apply settings through the router.
	if err := g.router.Apply(ctx, settings); err != nil {
		sess.EndScan(req.RequestID)
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScannerNotFound, err.Error())
	}

	g.router.MarkScanning(req.RequestID)

	g.jobsMu.Lock()
	g.jobs[req.RequestID] = &scanJob{sessionToken: sess.Token, connID: c.id}
	g.jobsMu.Unlock()

	// Step 4: register one scoped event handler covering page, completed
	// and error events.
	_, backendTag := g.activeDeviceOrEmpty()
	g.router.Subscribe(req.RequestID, func(evt scanner.Event) {
		g.onScanEvent(c, sess, req.RequestID, backendTag, evt)
	})

	// Step 5: ask the router to start.
	if err := g.router.Start(ctx, req.RequestID); err != nil {
		g.router.Unsubscribe(req.RequestID)
		g.router.UnmarkScanning(req.RequestID)
		sess.EndScan(req.RequestID)
		g.forgetJob(req.RequestID)

		message := err.Error()
		if backendb.IsHeadlessUnsupported(err) {
			message += " (retry with showUI=true)"
		}
		return protocol.NewError(string(req.Action), req.RequestID, protocol.ErrScanFailed, message)
	}

	// Step 6: return control; pages/terminal arrive asynchronously.
	return protocol.NewResponse(protocol.StatusScanning, string(req.Action), req.RequestID)
}

func (g *Gateway) onScanEvent(c *conn, sess *session.Session, requestID, backendTag string, evt scanner.Event) {
	switch {
	case evt.Page != nil:
		data, format := g.recomp.Process(evt.Page.Data, evt.Page.Metadata.Format)
		evt.Page.Metadata.Format = format
		evt.Page.Metadata.Bytes = len(data)

		resp := protocol.NewResponse(protocol.StatusScanning, "scan", requestID)
		resp.WithField("metadata", evt.Page.Metadata)
		resp.WithField("data", base64.StdEncoding.EncodeToString(data))
		resp.WithField("pageNumber", evt.Page.Ordinal)
		g.sendResponse(c, resp)

		metrics.PagesTransferred.WithLabelValues(backendTag).Inc()

	case evt.Completed != nil:
		g.router.Unsubscribe(requestID)
		g.router.UnmarkScanning(requestID)
		sess.EndScan(requestID)
		g.forgetJob(requestID)

		resp := protocol.NewResponse(protocol.StatusCompleted, "scan", requestID)
		resp.WithField("totalPages", evt.Completed.TotalPages)
		g.sendResponse(c, resp)

	case evt.Err != nil:
		g.router.Unsubscribe(requestID)
		g.router.UnmarkScanning(requestID)
		sess.EndScan(requestID)
		g.forgetJob(requestID)

		code := evt.Err.Code
		if code == "" {
			code = protocol.ErrScanFailed
		}
		metrics.ScanErrors.WithLabelValues(code).Inc()

		resp := protocol.NewError("scan", requestID, code, evt.Err.Message)
		resp.WithField("errorDetails", evt.Err.Message)
		g.sendResponse(c, resp)
	}
}

func (g *Gateway) forgetJob(requestID string) {
	g.jobsMu.Lock()
	delete(g.jobs, requestID)
	g.jobsMu.Unlock()
}

// handleStopScan is cooperative cancellation (spec §4.7, §5): unregister
// handlers before asking the router to stop, to suppress any late
// terminal event racing the cancellation acknowledgment.
func (g *Gateway) handleStopScan(req *protocol.Request, sess *session.Session) *protocol.Response {
	requestID, scanning := sess.ActiveRequestID()
	if !scanning {
		// Idempotent: stop_scan with no active job responds cancelled
		// without error (spec §8).
		return protocol.NewResponse(protocol.StatusCancelled, string(req.Action), req.RequestID)
	}

	g.router.Unsubscribe(requestID)
	g.router.UnmarkScanning(requestID)
	sess.EndScan(requestID)
	g.forgetJob(requestID)

	g.router.Stop()

	return protocol.NewResponse(protocol.StatusCancelled, string(req.Action), req.RequestID)
}
