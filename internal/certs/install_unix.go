//go:build linux || darwin

package certs

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// SystemTrustInstaller shells out to the platform certificate tool
// (certutil's NSS database on Linux, `security` on macOS) to register the
// certificate into the current user's trust store. It is deliberately
// best-effort: any failure is returned to the caller, which logs and
// continues per spec §4.1.
type SystemTrustInstaller struct {
	// NSSDBDir overrides the NSS database directory probed on Linux; if
	// empty, defaults to $HOME/.pki/nssdb.
	NSSDBDir string
}

func (i *SystemTrustInstaller) IsTrusted(thumbprint string) (bool, error) {
	switch runtime.GOOS {
	case "darwin":
		out, err := exec.Command("security", "find-certificate", "-Z", "-a", trustKeychainPath()).Output()
		if err != nil {
			return false, err
		}
		return bytes.Contains(bytes.ToUpper(out), bytes.ToUpper([]byte(thumbprint))), nil
	case "linux":
		out, err := exec.Command("certutil", "-L", "-d", "sql:"+i.nssDir()).Output()
		if err != nil {
			return false, err
		}
		return bytes.Contains(out, []byte(thumbprint)), nil
	default:
		return false, fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}
}

func (i *SystemTrustInstaller) Install(pemBytes []byte) error {
	tmp, err := os.CreateTemp("", "scanbridge-cert-*.pem")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(pemBytes); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	switch runtime.GOOS {
	case "darwin":
		return exec.Command("security", "add-trusted-cert", "-r", "trustRoot",
			"-k", trustKeychainPath(), tmp.Name()).Run()
	case "linux":
		return exec.Command("certutil", "-A", "-n", "scanbridge-local", "-t", "C,,",
			"-d", "sql:"+i.nssDir(), "-i", tmp.Name()).Run()
	default:
		return fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}
}

func (i *SystemTrustInstaller) nssDir() string {
	if i.NSSDBDir != "" {
		return i.NSSDBDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.pki/nssdb"
}

func trustKeychainPath() string {
	home, _ := os.UserHomeDir()
	return home + "/Library/Keychains/login.keychain-db"
}
