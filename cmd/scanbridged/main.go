// Command scanbridged is the local daemon (spec §1): it exposes the
// dual-port WebSocket gateway that lets browser pages drive an attached
// document scanner. Flag parsing and signal-driven shutdown follow
// go/flowctl-go/cmd-temp-data-plane.go's pattern in the teacher repo.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"os/signal"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/config"
	"github.com/scanbridge/scanbridged/internal/control"
	"github.com/scanbridge/scanbridged/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, color.RedString("scanbridged: %v", err))
		os.Exit(1)
	}

	if err := logging.Init(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("scanbridged: %v", err))
		os.Exit(1)
	}

	log := logging.For("main")
	color.New(color.FgCyan, color.Bold).Println("scanbridged")
	logStartupConfig(log, cfg)

	dataDir, err := userDataDir()
	if err != nil {
		log.WithError(err).Fatal("could not resolve user data directory")
	}

	daemon, err := control.New(cfg, dataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to wire daemon collaborators")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go drainNotifications(log, daemon)

	if err := daemon.Run(ctx, nil); err != nil {
		log.WithError(err).Fatal("scanbridged exited with error")
	}
}

// logStartupConfig writes the effective configuration to the log at
// startup, per spec §7's observability posture, omitting the certificate
// password so it never lands in a log file.
func logStartupConfig(log *logrus.Entry, cfg config.Config) {
	log.WithFields(logrus.Fields{
		"wsPort":                  cfg.WebSocket.WsPort,
		"wssPort":                 cfg.WebSocket.WssPort,
		"certificatePath":         cfg.WebSocket.CertificatePath,
		"certificateValidityDays": cfg.WebSocket.CertificateValidityDays,
		"autoInstallCertificate":  cfg.WebSocket.AutoInstallCertificate,
		"tokenExpirationMinutes":  cfg.Session.TokenExpirationMinutes,
		"maxConcurrentSessions":   cfg.Session.MaxConcurrentSessions,
		"logLevel":                cfg.Log.Level,
		"logFormat":               cfg.Log.Format,
		"configPath":              cfg.ConfigPath,
	}).Info("starting with configuration")
}

// userDataDir resolves the user-local data directory C9's preference file
// is rooted under (spec §6, "Persisted state layout"). os.UserConfigDir is
// the standard library's own cross-platform resolver for this; none of
// the retrieved examples carry a third-party XDG/app-data path library, so
// this is one of the few places scanbridged reaches for the stdlib by
// necessity rather than by choice.
func userDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "scanbridge")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// drainNotifications forwards upward connection/wake-up events to the log
// in place of the excluded-scope tray/desktop UI collaborator (spec §1
// Non-goals: "the native tray/desktop shell is out of scope").
func drainNotifications(log *logrus.Entry, daemon *control.Daemon) {
	for n := range daemon.Notifications() {
		log.WithFields(logrus.Fields{"id": n.ID, "kind": n.Kind, "conn": n.Conn}).Debug("notification")
	}
}
