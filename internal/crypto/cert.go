package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/shellbox-dev/shellbox/internal/database"
)

// GenerateServerCertPair creates a self-signed ECDSA P-256 TLS certificate
// for the HTTPS listener. Clients are expected to pin or trust it
// explicitly; no CA is involved.
func GenerateServerCertPair(hosts []string) (certPEM, keyPEM string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "shellbox",
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour), // ~10 years
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}

	keyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: keyDER,
	})

	return string(certPEMBytes), string(keyPEMBytes), nil
}

var (
	srvCertOnce sync.Once
	srvCert     *tls.Certificate
	srvCertPEM  string
	srvCertErr  error
)

// GetServerCert returns the HTTPS listener certificate, generating and
// persisting it on first call. The public PEM is also returned so it can
// be handed to clients for pinning.
func GetServerCert() (tlsCert *tls.Certificate, publicPEM string, err error) {
	srvCertOnce.Do(func() {
		srvCertPEM, srvCert, srvCertErr = loadOrGenerateServerCert()
	})
	return srvCert, srvCertPEM, srvCertErr
}

// ResetServerCertCache clears the cached cert (for testing).
func ResetServerCertCache() {
	srvCertOnce = sync.Once{}
	srvCert = nil
	srvCertPEM = ""
	srvCertErr = nil
}

func loadOrGenerateServerCert() (string, *tls.Certificate, error) {
	certPEM, err := database.GetSetting("server_tls_cert")
	if err == nil && certPEM != "" {
		encKeyPEM, err := database.GetSetting("server_tls_key")
		if err == nil && encKeyPEM != "" {
			keyPEM, err := Decrypt(encKeyPEM)
			if err == nil {
				parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
				if err == nil {
					return certPEM, &parsed, nil
				}
			}
		}
	}

	certPEM, keyPEM, err := GenerateServerCertPair([]string{"localhost", "127.0.0.1", "::1"})
	if err != nil {
		return "", nil, fmt.Errorf("generate server cert: %w", err)
	}

	encKeyPEM, err := Encrypt(keyPEM)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt server key: %w", err)
	}

	if err := database.SetSetting("server_tls_cert", certPEM); err != nil {
		return "", nil, fmt.Errorf("save server cert: %w", err)
	}
	if err := database.SetSetting("server_tls_key", encKeyPEM); err != nil {
		return "", nil, fmt.Errorf("save server key: %w", err)
	}

	parsed, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return "", nil, fmt.Errorf("parse server cert: %w", err)
	}

	return certPEM, &parsed, nil
}
