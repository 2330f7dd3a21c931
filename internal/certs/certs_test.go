package certs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeInstaller struct {
	trusted      map[string]bool
	installCalls int
	installErr   error
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{trusted: make(map[string]bool)}
}

func (f *fakeInstaller) IsTrusted(thumbprint string) (bool, error) {
	return f.trusted[thumbprint], nil
}

func (f *fakeInstaller) Install(pemBytes []byte) error {
	f.installCalls++
	return f.installErr
}

func TestObtainGeneratesAndPersistsOnFirstCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificate.pfx")
	mgr := NewManager(Options{Path: path, ValidityDays: 30}, nil)

	cert, err := mgr.Obtain()
	require.NoError(t, err)
	require.NotNil(t, cert)
	require.Equal(t, "localhost", cert.Leaf.Subject.CommonName)
	require.NotEmpty(t, cert.Thumbprint)

	require.FileExists(t, path)
}

func TestObtainReloadsFreshCertificate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificate.pfx")
	mgr := NewManager(Options{Path: path, ValidityDays: 90}, nil)

	first, err := mgr.Obtain()
	require.NoError(t, err)

	second, err := mgr.Obtain()
	require.NoError(t, err)
	require.Equal(t, first.Thumbprint, second.Thumbprint)
}

func TestObtainRegeneratesWithinRenewalWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificate.pfx")
	// ValidityDays shorter than RenewalWindow forces every reload to
	// regenerate, since a freshly minted cert is already "within 30 days
	// of expiry".
	mgr := NewManager(Options{Path: path, ValidityDays: 1}, nil)

	first, err := mgr.Obtain()
	require.NoError(t, err)

	second, err := mgr.Obtain()
	require.NoError(t, err)
	require.NotEqual(t, first.Thumbprint, second.Thumbprint)
}

func TestObtainInstallsTrustWhenAutoInstallSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificate.pfx")
	installer := newFakeInstaller()
	mgr := NewManager(Options{Path: path, ValidityDays: 30, AutoInstall: true}, installer)

	_, err := mgr.Obtain()
	require.NoError(t, err)
	require.Equal(t, 1, installer.installCalls)
}

func TestObtainSkipsInstallWhenAlreadyTrusted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificate.pfx")
	installer := newFakeInstaller()
	mgr := NewManager(Options{Path: path, ValidityDays: 90, AutoInstall: true}, installer)

	cert, err := mgr.Obtain()
	require.NoError(t, err)
	installer.trusted[cert.Thumbprint] = true

	// Re-obtaining the same still-fresh certificate takes the
	// load-from-disk path, which never touches the trust installer again.
	_, err = mgr.Obtain()
	require.NoError(t, err)
	require.Equal(t, 1, installer.installCalls)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mgr := NewManager(Options{ValidityDays: 30}, nil)
	cert, err := mgr.generate()
	require.NoError(t, err)

	data, err := encode(cert)
	require.NoError(t, err)

	decoded, err := decode(data, "")
	require.NoError(t, err)
	require.Equal(t, cert.Thumbprint, decoded.Thumbprint)
}
