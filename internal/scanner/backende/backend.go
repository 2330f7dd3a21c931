// Package backende adapts network scanner HTTP API "E" (spec §4.4.4): a
// standard HTTP+XML scan protocol reachable over the LAN. Its candidate
// hosts come only from manual host:port registration (New's arguments and
// RegisterHost); it does not probe the network for new hosts. It accepts
// self-signed device certificates, and drains pages by polling
// NextDocument with a bounded, backed-off retry loop.
//
// The retry/backoff shape is grounded on github.com/cenkalti/backoff/v4,
// used the same way hashicorp-consul-api-gateway's dependency tree pulls
// in cenkalti/backoff for bounded retry of flaky remote calls.
package backende

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/scanner"
)

const backendTag = "e"

// scannerCapabilitiesXML mirrors the minimal shape of a
// GET /<base>/ScannerCapabilities response this backend cares about.
type scannerCapabilitiesXML struct {
	XMLName   xml.Name `xml:"ScannerCapabilities"`
	MakeModel string   `xml:"MakeAndModel"`
	PaperSize []string `xml:"SupportedPaperSizes>Size"`
}

// host is a registered or discovered network device.
type host struct {
	id       string // local id, used as the local-id half of "e:<local-id>"
	addr     string // host:port
	model    string
	jobPath  string // active job resource path, set after ScanJobs POST
	paper    []string
}

// Backend implements scanner.Backend for family "E".
type Backend struct {
	log    *logrus.Entry
	client *http.Client

	mu       sync.Mutex
	state    scanner.State
	hosts    map[string]*host
	selected *host
	settings scanner.Settings

	guard        *scanner.TerminationGuard
	events       chan scanner.Event
	activeCancel context.CancelFunc
}

// New constructs an uninitialized network backend. manualHosts are
// host:port pairs registered ahead of discovery (spec §4.4.4, "accepting
// manual host:port registrations").
func New(manualHosts ...string) *Backend {
	b := &Backend{
		log: logging.For("backend.e"),
		client: &http.Client{
			Timeout: 30 * time.Second, // spec §5: "Network-backend HTTP calls carry a 30-second timeout"
			Transport: &http.Transport{
				// Network scanners commonly present a self-signed cert
				// (spec §4.4.4).
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		state: scanner.StateUninitialized,
		hosts: make(map[string]*host),
		guard: scanner.NewTerminationGuard(),
		events: make(chan scanner.Event, 64),
	}
	for i, addr := range manualHosts {
		id := fmt.Sprintf("manual-%d", i+1)
		b.hosts[id] = &host{id: id, addr: addr}
	}
	return b
}

func (b *Backend) Name() string                { return backendTag }
func (b *Backend) Events() <-chan scanner.Event { return b.events }

func (b *Backend) Initialize(ctx context.Context, uiHandle any) error {
	b.mu.Lock()
	b.state = scanner.StateReady
	b.mu.Unlock()
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
	b.hosts = make(map[string]*host)
	b.state = scanner.StateUninitialized
	b.log.Info("shutdown")
}

// Enumerate probes every registered host's ScannerCapabilities endpoint.
// Unreachable hosts are dropped from the result rather than failing the
// whole call.
func (b *Backend) Enumerate(ctx context.Context) ([]scanner.Device, error) {
	b.mu.Lock()
	hosts := make([]*host, 0, len(b.hosts))
	for _, h := range b.hosts {
		hosts = append(hosts, h)
	}
	b.mu.Unlock()

	out := make([]scanner.Device, 0, len(hosts))
	for _, h := range hosts {
		caps, err := b.fetchCapabilities(ctx, h)
		if err != nil {
			b.log.WithError(err).WithField("host", h.addr).Debug("host unreachable during enumerate")
			continue
		}
		h.model = caps.MakeModel
		h.paper = caps.PaperSize
		out = append(out, scanner.Device{ID: h.id, Name: caps.MakeModel, Protocol: backendTag})
	}
	return out, nil
}

func (b *Backend) fetchCapabilities(ctx context.Context, h *host) (*scannerCapabilitiesXML, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/eSCL/ScannerCapabilities", h.addr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ScannerCapabilities: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var caps scannerCapabilitiesXML
	if err := xml.Unmarshal(body, &caps); err != nil {
		return nil, fmt.Errorf("decoding ScannerCapabilities: %w", err)
	}
	return &caps, nil
}

func (b *Backend) Select(ctx context.Context, localID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hosts[localID]
	if !ok {
		return fmt.Errorf("backend e: unknown host %q", localID)
	}
	b.selected = h
	b.settings = scanner.DefaultSettings()
	b.state = scanner.StateDeviceOpen
	return nil
}

func (b *Backend) Capabilities(ctx context.Context, localID string) (scanner.CapabilitySnapshot, error) {
	b.mu.Lock()
	h, ok := b.hosts[localID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend e: unknown host %q", localID)
	}
	paper := h.paper
	if len(paper) == 0 {
		paper = []string{"A4", "LETTER"}
	}
	return scanner.CapabilitySnapshot{
		scanner.CapDPI:       {Key: scanner.CapDPI, Label: "Resolution (DPI)", Type: scanner.CapabilityInt, Readable: true, Writable: true},
		scanner.CapPixelType: {Key: scanner.CapPixelType, Label: "Color mode", Type: scanner.CapabilityEnum, Readable: true, Writable: true, SupportedValues: []string{string(scanner.PixelTypeColor), string(scanner.PixelTypeGray8), string(scanner.PixelTypeBitonal)}},
		scanner.CapPaperSize: {Key: scanner.CapPaperSize, Label: "Paper size", Type: scanner.CapabilityEnum, Readable: true, Writable: true, SupportedValues: paper},
		scanner.CapUseAdf:    {Key: scanner.CapUseAdf, Label: "Use automatic document feeder", Type: scanner.CapabilityBool, Readable: true, Writable: true},
		scanner.CapDuplex:    {Key: scanner.CapDuplex, Label: "Two-sided scanning", Type: scanner.CapabilityBool, Readable: true, Writable: true},
		scanner.CapMaxPages:  {Key: scanner.CapMaxPages, Label: "Maximum pages", Type: scanner.CapabilityInt, Readable: true, Writable: true},
		scanner.CapShowUI:    {Key: scanner.CapShowUI, Label: "Show vendor UI", Type: scanner.CapabilityBool, Readable: true, Writable: false},
		"e:colorSpace": {Key: "e:colorSpace", Label: "Color space (advanced)", Type: scanner.CapabilityString, Readable: true, Writable: true, Experimental: true},
	}, nil
}

func (b *Backend) Apply(ctx context.Context, settings scanner.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return fmt.Errorf("backend e: no device selected")
	}
	// Network devices have no vendor UI (spec §4.4.4 implies headless
	// always); ShowUI is accepted but has no effect for this family.
	b.settings = settings
	return nil
}

// scanJobsRequestXML is the minimal POST /ScanJobs body.
type scanJobsRequestXML struct {
	XMLName    xml.Name `xml:"ScanSettings"`
	Resolution int      `xml:"XResolution"`
	ColorMode  string   `xml:"ColorMode"`
	InputSrc   string   `xml:"InputSource"`
}

func (b *Backend) Start(ctx context.Context, requestID string) error {
	b.mu.Lock()
	if b.selected == nil {
		b.mu.Unlock()
		return fmt.Errorf("backend e: no device selected")
	}
	h := b.selected
	settings := b.settings
	ctx, cancel := context.WithCancel(context.Background())
	b.activeCancel = cancel
	b.state = scanner.StateScanning
	b.mu.Unlock()

	jobPath, err := b.createJob(ctx, h, settings)
	if err != nil {
		b.resetToDeviceOpen()
		return fmt.Errorf("backend e: creating scan job: %w", err)
	}
	h.jobPath = jobPath

	b.guard.Begin(requestID)
	go b.drain(ctx, requestID, h, settings)
	return nil
}

func (b *Backend) createJob(ctx context.Context, h *host, settings scanner.Settings) (string, error) {
	body := scanJobsRequestXML{
		Resolution: settings.DPI,
		ColorMode:  string(settings.PixelType),
		InputSrc:   "Platen",
	}
	if settings.UseAdf {
		body.InputSrc = "Feeder"
	}
	payload, err := xml.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("https://%s/eSCL/ScanJobs", h.addr), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/xml")
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ScanJobs: unexpected status %d", resp.StatusCode)
	}
	return resp.Header.Get("Location"), nil
}

// drain loops GET <job>/NextDocument, retrying on 503 with bounded
// backoff, stopping cleanly on 404 (job exhausted) and on the first non-503
// 4xx (a hard failure), and deleting the job resource on exit (spec
// §4.4.4).
func (b *Backend) drain(ctx context.Context, requestID string, h *host, settings scanner.Settings) {
	defer b.deleteJob(context.Background(), h)

	limit := settings.MaxPages
	for ordinal := 1; limit < 0 || ordinal <= limit; ordinal++ {
		data, err := b.nextDocumentWithRetry(ctx, h)
		if err != nil {
			if err == errJobExhausted {
				b.terminateCompleted(requestID)
				return
			}
			if ctx.Err() != nil {
				b.terminate(requestID, &scanner.ErrorEvent{Code: "CANCELLED", Message: "scan cancelled"})
				return
			}
			b.terminate(requestID, &scanner.ErrorEvent{Code: "SCAN_FAILED", Message: err.Error()})
			return
		}

		n, live := b.guard.RecordPage(requestID)
		if !live {
			return
		}
		page := &scanner.Page{
			Data:     data,
			Metadata: scanner.PageMetadata{Format: "jpg", DPI: settings.DPI, Bytes: len(data)},
			Ordinal:  n,
		}
		b.emit(scanner.Event{RequestID: requestID, Page: page})
	}
	b.terminateCompleted(requestID)
}

var errJobExhausted = fmt.Errorf("backend e: job exhausted")

func (b *Backend) nextDocumentWithRetry(ctx context.Context, h *host) ([]byte, error) {
	var result []byte

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 5,
	), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s%s/NextDocument", h.addr, h.jobPath), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return err // transient: network error, retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return backoff.Permanent(err)
			}
			result = body
			return nil
		case resp.StatusCode == http.StatusServiceUnavailable:
			return fmt.Errorf("NextDocument: 503, retrying")
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errJobExhausted)
		default:
			return backoff.Permanent(fmt.Errorf("NextDocument: unexpected status %d", resp.StatusCode))
		}
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Backend) deleteJob(ctx context.Context, h *host) {
	if h.jobPath == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("https://%s%s", h.addr, h.jobPath), nil)
	if err != nil {
		return
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.log.WithError(err).WithField("host", h.addr).Debug("failed to delete exhausted scan job")
		return
	}
	resp.Body.Close()
	h.jobPath = ""
}

func (b *Backend) Stop() {
	b.mu.Lock()
	cancel := b.activeCancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Backend) terminateCompleted(requestID string) {
	if !b.guard.TryTerminate(requestID) {
		return
	}
	total := b.guard.PagesSoFar(requestID)
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

// RegisterHost adds a manually-configured host:port candidate and returns
// its local id (spec §4.4.4). Registration is the only source of hosts.
func (b *Backend) RegisterHost(addr string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("manual-%d", len(b.hosts)+1)
	b.hosts[id] = &host{id: id, addr: addr}
	return id
}
