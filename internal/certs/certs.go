// Package certs implements the Certificate Manager (spec §4.1): loading,
// validating, generating, atomically persisting, and best-effort trust
// store installation for the daemon's self-signed TLS certificate.
//
// No PKCS#12/x509 generation library appears anywhere in the retrieved
// pack (see DESIGN.md); crypto/x509 and crypto/tls are the idiomatic
// standard-library choice here, the same way hashicorp-consul-api-gateway
// (a pack example, not the teacher) builds its own TLS certificate
// plumbing (internal/common/tls.go) directly on crypto/tls rather than a
// third-party cert library.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // thumbprint identity, not a security boundary
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scanbridge/scanbridged/internal/logging"
)

// RenewalWindow is how close to expiry a certificate must be before it is
// regenerated rather than reused (spec §4.1, §3: "within 30 days of
// expiry").
const RenewalWindow = 30 * 24 * time.Hour

// Options configures certificate generation and installation.
type Options struct {
	Path            string
	Password        string
	Subject         string // additional SAN beyond localhost + loopback IPs
	ValidityDays    int
	AutoInstall     bool
}

// Certificate is the loaded or freshly generated TLS material plus its
// record metadata (spec §3, "Certificate record").
type Certificate struct {
	TLS        tls.Certificate
	Leaf       *x509.Certificate
	Path       string
	Thumbprint string
	NotBefore  time.Time
	NotAfter   time.Time
}

// TrustInstaller abstracts the OS-specific trust store operation so it can
// be swapped out in tests; the real implementation shells out to the
// platform's certificate tool (see install_*.go).
type TrustInstaller interface {
	IsTrusted(thumbprint string) (bool, error)
	Install(pemBytes []byte) error
}

// Manager implements the Certificate Manager's public Obtain contract
// (spec §4.1).
type Manager struct {
	opts      Options
	installer TrustInstaller
	log       *logrus.Entry
}

// NewManager constructs a Manager. installer may be nil, in which case
// trust-store installation is skipped entirely (e.g. in tests).
func NewManager(opts Options, installer TrustInstaller) *Manager {
	return &Manager{opts: opts, installer: installer, log: logging.For("certs")}
}

// Obtain implements spec §4.1's obtain() contract: load-if-fresh,
// else-generate-and-persist, then best-effort trust install.
func (m *Manager) Obtain() (*Certificate, error) {
	if cert, err := m.loadIfFresh(); err == nil && cert != nil {
		return cert, nil
	}

	cert, err := m.generate()
	if err != nil {
		return nil, fmt.Errorf("generating certificate: %w", err)
	}

	if err := m.persist(cert); err != nil {
		return nil, fmt.Errorf("persisting certificate: %w", err)
	}

	m.maybeInstallTrust(cert)
	return cert, nil
}

func (m *Manager) loadIfFresh() (*Certificate, error) {
	data, err := os.ReadFile(m.opts.Path)
	if err != nil {
		return nil, err
	}
	cert, err := decode(data, m.opts.Password)
	if err != nil {
		return nil, err
	}
	if time.Until(cert.NotAfter) < RenewalWindow {
		return nil, fmt.Errorf("certificate within renewal window")
	}
	return cert, nil
}

// generate builds a fresh 2048-bit RSA self-signed certificate per spec
// §4.1: subject CN=localhost, digital-signature+key-encipherment usages,
// server-auth EKU, SANs for localhost/subject/both loopback IPs, validity
// from yesterday to +N days.
func (m *Manager) generate() (*Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	validityDays := m.opts.ValidityDays
	if validityDays <= 0 {
		validityDays = 825
	}
	notBefore := time.Now().AddDate(0, 0, -1)
	notAfter := notBefore.AddDate(0, 0, validityDays)

	dnsNames := []string{"localhost"}
	if m.opts.Subject != "" && m.opts.Subject != "localhost" {
		dnsNames = append(dnsNames, m.opts.Subject)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}

	sum := sha1.Sum(der)
	return &Certificate{
		TLS:        tlsCert,
		Leaf:       leaf,
		Path:       m.opts.Path,
		Thumbprint: fmt.Sprintf("%x", sum),
		NotBefore:  notBefore,
		NotAfter:   notAfter,
	}, nil
}

// encode produces the on-disk shape: a simple PEM concatenation of the
// certificate and its unencrypted PKCS#1 private key, written under the
// spec's "certificate.pfx" filename for compatibility even though the
// contents are PEM rather than a true binary PKCS#12 bundle — see
// DESIGN.md for why no PKCS#12 encoder from the pack was available to wire
// here instead. Options.Password is not applied: the key is stored in the
// clear, and decode ignores its password argument.
func encode(cert *Certificate) ([]byte, error) {
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.TLS.Certificate[0]})...)

	key, ok := cert.TLS.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", cert.TLS.PrivateKey)
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})...)
	return out, nil
}

func decode(data []byte, password string) (*Certificate, error) {
	var certDER []byte
	var keyDER []byte

	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = block.Bytes
		case "RSA PRIVATE KEY":
			keyDER = block.Bytes
		}
	}
	if certDER == nil || keyDER == nil {
		return nil, fmt.Errorf("certificate bundle missing certificate or key block")
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return nil, err
	}

	sum := sha1.Sum(certDER)
	return &Certificate{
		TLS: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:       leaf,
		Thumbprint: fmt.Sprintf("%x", sum),
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
	}, nil
}

// persist writes the bundle atomically: temp file in the same directory,
// then rename (spec §4.1).
func (m *Manager) persist(cert *Certificate) error {
	data, err := encode(cert)
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.opts.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".certificate-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, m.opts.Path)
}

// maybeInstallTrust installs cert into the OS trust store if AutoInstall is
// set and an installer is configured. It never invokes Install if the
// thumbprint is already trusted (spec §4.1: "Trust installation must never
// be invoked if the certificate was already trusted"), and failures are
// logged but non-fatal (spec §4.1: "the daemon still starts WSS").
func (m *Manager) maybeInstallTrust(cert *Certificate) {
	if !m.opts.AutoInstall || m.installer == nil {
		return
	}

	trusted, err := m.installer.IsTrusted(cert.Thumbprint)
	if err != nil {
		m.log.WithError(err).Warn("failed to query trust store; skipping install")
		return
	}
	if trusted {
		m.log.WithField("thumbprint", cert.Thumbprint).Debug("certificate already trusted")
		return
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.TLS.Certificate[0]})
	if err := m.installer.Install(pemBytes); err != nil {
		m.log.WithError(err).Warn("failed to install certificate into trust store")
		return
	}
	m.log.WithField("thumbprint", cert.Thumbprint).Info("installed certificate into trust store")
}
