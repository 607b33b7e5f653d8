/*
Package ca implements the certificate authority of the device hub.

The root CA keypair lives on disk; device certificates are issued from
device-supplied CSRs with the subject CN bound to the device UUID. The
broker maps that CN to the MQTT username for its topic ACLs, so the
binding is what keeps one device from impersonating another.
*/
package ca

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgeberry/devicehub/core/logger"
	"github.com/edgeberry/devicehub/hub"
	"github.com/edgeberry/devicehub/hub/kss"
)

// DefaultRootCN is the CN of a freshly generated root certificate.
const DefaultRootCN = "Edgeberry Device Hub Root CA"

const (
	defaultRootDays = 3650
	defaultRootBits = 4096
	defaultLeafDays = 825
)

// Builder is a builder helper for the CA.
type Builder struct {
	// CertFile is the file path of the root certificate. This is mandatory.
	CertFile string
	// KeyFile is the file path of the root private key. This is mandatory.
	KeyFile string
	// DefaultDays is the default validity of issued certificates.
	// Zero means 825 days.
	DefaultDays int
	// Archive optionally receives a copy of every issued certificate.
	Archive kss.Driver
}

// CA issues device client certificates from the root keypair.
type CA struct {
	certFile    string
	keyFile     string
	defaultDays int
	archive     kss.Driver

	mutex    sync.Mutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// New returns a CA for the given root files. The root is loaded lazily;
// call EnsureRootCA to generate it when it does not exist yet.
func New(b *Builder) *CA {
	if len(b.CertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(b.KeyFile) == 0 {
		panic("ca-key file missing")
	}
	days := b.DefaultDays
	if days <= 0 {
		days = defaultLeafDays
	}
	return &CA{
		certFile:    b.CertFile,
		keyFile:     b.KeyFile,
		defaultDays: days,
		archive:     b.Archive,
	}
}

// EnsureRootCA generates the root keypair and self-signed certificate when
// the root files are absent. The key is written owner-only; the
// certificate is group-readable so the broker process can load it.
func (c *CA) EnsureRootCA(cn string, days, bits int) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, err := os.Stat(c.certFile); err == nil {
		if _, err := os.Stat(c.keyFile); err == nil {
			return c.loadRootLocked()
		}
	}

	if cn == "" {
		cn = DefaultRootCN
	}
	if days <= 0 {
		days = defaultRootDays
	}
	if bits <= 0 {
		bits = defaultRootBits
	}
	logger.Default().Infoln("generating root CA:", cn)

	// this is the part that takes time
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("cannot generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, days),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          keyID(&key.PublicKey),
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cannot create root certificate: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.certFile), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.keyFile), 0755); err != nil {
		return err
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.keyFile, pemEncode("PRIVATE KEY", keyBytes), 0600); err != nil {
		return err
	}
	if err := os.WriteFile(c.certFile, pemEncode("CERTIFICATE", certBytes), 0644); err != nil {
		return err
	}

	c.rootKey = key
	c.rootCert, err = x509.ParseCertificate(certBytes)
	return err
}

// RootCertPEM returns the PEM encoded root certificate.
func (c *CA) RootCertPEM() (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.loadRootLocked(); err != nil {
		return "", err
	}
	return string(pemEncode("CERTIFICATE", c.rootCert.Raw)), nil
}

// IssueFromCSR validates a device CSR and issues a client certificate with
// the subject CN bound to the device UUID. It returns the new certificate
// PEM and the root certificate PEM as chain.
func (c *CA) IssueFromCSR(deviceUUID, csrPEM string, days int) (certPem, chainPem string, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.loadRootLocked(); err != nil {
		return "", "", err
	}

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return "", "", hub.NewError(hub.ErrInvalidCSR, "csr is not valid PEM")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", "", hub.NewError(hub.ErrInvalidCSR, "cannot parse csr")
	}
	if err := csr.CheckSignature(); err != nil {
		return "", "", hub.NewError(hub.ErrInvalidCSR, "csr signature check failed")
	}
	if csr.Subject.CommonName != deviceUUID {
		return "", "", hub.NewError(hub.ErrCSRCNMismatch,
			fmt.Sprintf("csr CN %q does not match device uuid", csr.Subject.CommonName))
	}

	if days <= 0 {
		days = c.defaultDays
	}
	now := time.Now()
	notAfter := now.AddDate(0, 0, days)
	if notAfter.After(c.rootCert.NotAfter) {
		// cap at the remaining root lifetime
		notAfter = c.rootCert.NotAfter
	}

	serial, err := randomSerial()
	if err != nil {
		return "", "", hub.NewError(hub.ErrSigningFailed, err.Error())
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceUUID},
		NotBefore:             now,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		SubjectKeyId:          publicKeyID(csr.PublicKey),
		AuthorityKeyId:        c.rootCert.SubjectKeyId,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, c.rootCert, csr.PublicKey, c.rootKey)
	if err != nil {
		return "", "", hub.NewError(hub.ErrSigningFailed, err.Error())
	}

	certPem = string(pemEncode("CERTIFICATE", certBytes))
	chainPem = string(pemEncode("CERTIFICATE", c.rootCert.Raw))

	if c.archive != nil {
		if err := c.archive.Put("issued/"+deviceUUID+".crt", []byte(certPem)); err != nil {
			logger.Default().WithError(err).Warnln("cannot archive issued certificate for", deviceUUID)
		}
	}
	return certPem, chainPem, nil
}

func (c *CA) loadRootLocked() error {
	if c.rootCert != nil && c.rootKey != nil {
		return nil
	}
	certData, err := os.ReadFile(c.certFile)
	if err != nil {
		return hub.NewError(hub.ErrNoRootCA, "root certificate not found")
	}
	keyData, err := os.ReadFile(c.keyFile)
	if err != nil {
		return hub.NewError(hub.ErrNoRootCA, "root key not found")
	}
	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return hub.NewError(hub.ErrNoRootCA, "root certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return hub.NewError(hub.ErrNoRootCA, "cannot parse root certificate")
	}
	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return hub.NewError(hub.ErrNoRootCA, "root key is not valid PEM")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return hub.NewError(hub.ErrNoRootCA, "cannot parse root key")
	}
	c.rootCert = cert
	c.rootKey = key
	return nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("root key is not RSA")
	}
	return x509.ParsePKCS1PrivateKey(der)
}

func pemEncode(blockType string, der []byte) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

func publicKeyID(pub any) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}
