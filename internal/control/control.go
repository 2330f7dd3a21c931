// Package control implements the Control Plane (spec §4.8): it wires
// C1-C7 together, starts the listeners, and tears everything down in
// reverse dependency order on shutdown. It is the direct analogue of
// go/flowctl-go/cmd-temp-data-plane.go's role in the teacher repo --
// construct every collaborator, hand them to each other, then block on a
// signal-driven context until told to stop.
package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/certs"
	"github.com/scanbridge/scanbridged/internal/config"
	"github.com/scanbridge/scanbridged/internal/gateway"
	"github.com/scanbridge/scanbridged/internal/logging"
	"github.com/scanbridge/scanbridged/internal/prefs"
	"github.com/scanbridge/scanbridged/internal/recompress"
	"github.com/scanbridge/scanbridged/internal/scanner"
	"github.com/scanbridge/scanbridged/internal/scanner/backenda"
	"github.com/scanbridge/scanbridged/internal/scanner/backendb"
	"github.com/scanbridge/scanbridged/internal/scanner/backende"
	"github.com/scanbridge/scanbridged/internal/session"
)

// sweepInterval is how often the Session Store's sweep removes expired
// tokens (spec §4.2).
const sweepInterval = 30 * time.Second

// Daemon owns every wired collaborator and the order they start/stop in.
type Daemon struct {
	log *logrus.Entry

	cfg  config.Config
	cert *certs.Certificate

	sessions *session.Store
	router   *scanner.Router
	recomp   *recompress.Recompressor
	prefs    *prefs.Store
	gw       *gateway.Gateway
}

// New wires C1-C7 per spec §4.8 but does not start anything yet.
// dataDir roots C9's preference file and, alongside cfg.WebSocket's
// CertificatePath, C1's certificate bundle when the configured path is
// relative.
func New(cfg config.Config, dataDir string, manualNetworkHosts ...string) (*Daemon, error) {
	log := logging.For("control")

	certPath := cfg.WebSocket.CertificatePath
	if !filepath.IsAbs(certPath) {
		certPath = filepath.Join(dataDir, certPath)
	}

	certMgr := certs.NewManager(certs.Options{
		Path:         certPath,
		Password:     cfg.WebSocket.CertificatePassword,
		ValidityDays: cfg.WebSocket.CertificateValidityDays,
		AutoInstall:  cfg.WebSocket.AutoInstallCertificate,
	}, &certs.SystemTrustInstaller{})

	cert, err := certMgr.Obtain()
	if err != nil {
		// TLS is optional (spec §4.7: "the TLS listener is enabled only if
		// C1 yields a certificate"); a failure here degrades to
		// plaintext-only rather than aborting startup.
		log.WithError(err).Warn("certificate manager failed to obtain a certificate; TLS listener will be disabled")
		cert = nil
	}

	sessions := session.NewStore(cfg.Session.MaxConcurrentSessions, time.Duration(cfg.Session.TokenExpirationMinutes)*time.Minute)

	router := scanner.NewRouter()
	router.Register(backenda.New())
	router.Register(backendb.New())
	router.Register(backende.New(manualNetworkHosts...))

	recomp := recompress.New()
	prefStore := prefs.NewStore(dataDir)

	gwCfg := gateway.Config{
		WsAddr:  fmt.Sprintf("127.0.0.1:%d", cfg.WebSocket.WsPort),
		WssAddr: fmt.Sprintf("127.0.0.1:%d", cfg.WebSocket.WssPort),
	}

	gw := gateway.New(gwCfg, sessions, router, recomp, prefStore, gatewayCert(cert))

	return &Daemon{
		log:      log,
		cfg:      cfg,
		cert:     cert,
		sessions: sessions,
		router:   router,
		recomp:   recomp,
		prefs:    prefStore,
		gw:       gw,
	}, nil
}

// gatewayCert narrows a Certificate record to the bare tls.Certificate the
// Gateway's TLS listener needs, tolerating a nil record when C1 could not
// obtain one (spec §4.7: TLS is enabled only if a certificate exists).
func gatewayCert(cert *certs.Certificate) *tls.Certificate {
	if cert == nil {
		return nil
	}
	return &cert.TLS
}

// Run starts every collaborator, installs the global unhandled-exception
// sink, and blocks until ctx is cancelled (normally by a delivered
// SIGTERM/SIGINT in cmd/scanbridged). It returns after a full, ordered
// shutdown.
func (d *Daemon) Run(ctx context.Context, uiHandle any) error {
	defer d.recoverUnhandled()

	if err := d.router.Initialize(ctx, uiHandle); err != nil {
		return fmt.Errorf("initializing scanner backends: %w", err)
	}

	d.sessions.StartSweep(sweepInterval)

	if err := d.gw.Start(); err != nil {
		d.sessions.StopSweep()
		d.router.Shutdown()
		return fmt.Errorf("starting gateway: %w", err)
	}

	d.log.Info("scanbridged started")

	<-ctx.Done()

	d.log.Info("shutting down")
	d.Shutdown()
	return nil
}

// Shutdown releases every collaborator in reverse dependency order (spec
// §4.8): Gateway listeners first (so no new requests can begin), then the
// Router's backends, then the Session Store's sweep ticker. The
// Certificate Manager owns no running resource and needs no release step.
func (d *Daemon) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.gw.Stop(shutdownCtx)
	d.router.Shutdown()
	d.sessions.StopSweep()
}

// Notifications exposes the Gateway's upward notification channel for the
// excluded-scope tray/desktop UI collaborator to drain.
func (d *Daemon) Notifications() <-chan gateway.Notification { return d.gw.Notifications() }

// recoverUnhandled is the global unhandled-exception sink spec §4.8
// requires: any panic that unwinds out of Run is written to the log as a
// structured record instead of crashing the process silently.
func (d *Daemon) recoverUnhandled() {
	if r := recover(); r != nil {
		d.log.WithField("panic", r).Error("unhandled exception reached the control plane")
	}
}
