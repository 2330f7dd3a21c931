//go:build windows

package certs

import (
	"bytes"
	"os"
	"os/exec"
)

// SystemTrustInstaller shells out to certutil.exe against the current
// user's Root store on Windows. Best-effort, per spec §4.1.
type SystemTrustInstaller struct{}

func (i *SystemTrustInstaller) IsTrusted(thumbprint string) (bool, error) {
	out, err := exec.Command("certutil.exe", "-user", "-store", "Root").Output()
	if err != nil {
		return false, err
	}
	return bytes.Contains(bytes.ToUpper(out), bytes.ToUpper([]byte(thumbprint))), nil
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

	return exec.Command("certutil.exe", "-user", "-addstore", "Root", tmp.Name()).Run()
}
