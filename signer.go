package proxycap

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"
)

// cachingSigner mints per-host leaf certificates signed by the MITM CA and
// caches them, so repeated CONNECTs to the same host skip the key
// generation cost.
type cachingSigner struct {
	ca tls.Certificate

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newCachingSigner(ca tls.Certificate) *cachingSigner {
	return &cachingSigner{ca: ca, certs: map[string]*tls.Certificate{}}
}

// certForHost returns a leaf certificate valid for host, minting and
// caching it on first use.
func (s *cachingSigner) certForHost(host string) (*tls.Certificate, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	s.mu.Lock()
	cached := s.certs[host]
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	cert, err := signHost(s.ca, []string{host})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.certs[host] = &cert
	s.mu.Unlock()
	return &cert, nil
}

// tlsConfigForHost builds the server-side TLS config presented to a
// MITM'd client.
func (s *cachingSigner) tlsConfigForHost(host string) (*tls.Config, error) {
	cert, err := s.certForHost(host)
	if err != nil {
		return nil, err
	}
	config := defaultTLSConfig.Clone()
	config.Certificates = append(config.Certificates, *cert)
	return config, nil
}

func signHost(ca tls.Certificate, hosts []string) (tls.Certificate, error) {
	x509ca, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	pemCert, pemKey, err := signHostX509(x509ca, ca.PrivateKey, hosts)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(pemCert, pemKey)
}

func signHostX509(ca *x509.Certificate, caPriv any, hosts []string) (pemCert, pemKey []byte, err error) {
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: hashSorted(hosts),
		Issuer:       ca.Subject,
		Subject: pkix.Name{
			Organization: []string{"proxycap untrusted MITM proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
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
	certPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	keyBuf := new(bytes.Buffer)
	pem.Encode(keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(certPriv)})
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, ca, &certPriv.PublicKey, caPriv)
	if err != nil {
		return nil, nil, err
	}
	certBuf := new(bytes.Buffer)
	pem.Encode(certBuf, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	return certBuf.Bytes(), keyBuf.Bytes(), nil
}

// hashSorted derives a deterministic serial from the host list.
func hashSorted(hosts []string) *big.Int {
	sorted := make([]string, len(hosts))
	copy(sorted, hosts)
	sort.Strings(sorted)
	h := sha1.New()
	for _, s := range sorted {
		h.Write([]byte(s + ","))
	}
	rv := new(big.Int)
	rv.SetBytes(h.Sum(nil))
	return rv
}
