package pggate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mustEncode adapts pgproto3 message Encode methods, which return
// (dst []byte, err error), to the plain []byte literals used throughout the
// test tables
func mustEncode(b []byte, err error) []byte {
	if err != nil {
		panic(err)
	}
	return b
}

// testLogger adapts the testing harness to the logger interface required by
// the pggate package
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debugf(format string, v ...interface{}) {
	l.t.Logf("DEBUG\t"+format, v...)
}
func (l *testLogger) Infof(format string, v ...interface{}) {
	l.t.Logf("INFO\t"+format, v...)
}
func (l *testLogger) Warningf(format string, v ...interface{}) {
	l.t.Logf("WARN\t"+format, v...)
}
func (l *testLogger) Errorf(format string, v ...interface{}) {
	l.t.Logf("ERROR\t"+format, v...)
}

// testPki is an ephemeral certificate hierarchy for TLS tests: a CA, a server
// leaf written to disk the way the config references it, and a client leaf
// kept in memory for mTLS handshakes
type testPki struct {
	caPemPath      string
	caPool         *x509.CertPool
	serverCertPath string
	serverKeyPath  string
	clientPair     tls.Certificate
}

// newTestPki generates a fresh certificate hierarchy under a test temp dir
func newTestPki(t *testing.T) *testPki {
	t.Helper()
	dir := t.TempDir()

	// Generate CA
	caKey, errCaKey := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, errCaKey)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pggate test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDer, errCaDer := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, errCaDer)
	caCert, errCaCert := x509.ParseCertificate(caDer)
	require.NoError(t, errCaCert)
	caPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDer})

	// Generate server leaf for localhost
	serverCertPem, serverKeyPem := issueLeaf(t, caCert, caKey, 2, "localhost")

	// Generate client leaf for mTLS handshakes
	clientCertPem, clientKeyPem := issueLeaf(t, caCert, caKey, 3, "pggate test client")
	clientPair, errClientPair := tls.X509KeyPair(clientCertPem, clientKeyPem)
	require.NoError(t, errClientPair)

	// Write PEM files referenced by route configurations
	caPemPath := filepath.Join(dir, "ca.pem")
	serverCertPath := filepath.Join(dir, "server.crt")
	serverKeyPath := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(caPemPath, caPem, 0600))
	require.NoError(t, os.WriteFile(serverCertPath, serverCertPem, 0600))
	require.NoError(t, os.WriteFile(serverKeyPath, serverKeyPem, 0600))

	// Build CA pool for client-side server verification
	caPool := x509.NewCertPool()
	require.True(t, caPool.AppendCertsFromPEM(caPem))

	return &testPki{
		caPemPath:      caPemPath,
		caPool:         caPool,
		serverCertPath: serverCertPath,
		serverKeyPath:  serverKeyPath,
		clientPair:     clientPair,
	}
}

// issueLeaf creates a leaf certificate signed by the given CA and returns its
// PEM encoded certificate and key
func issueLeaf(
	t *testing.T,
	caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey,
	serial int64,
	cn string,
) ([]byte, []byte) {
	t.Helper()

	key, errKey := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, errKey)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour * 24),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, errDer := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	require.NoError(t, errDer)

	keyDer, errKeyDer := x509.MarshalECPrivateKey(key)
	require.NoError(t, errKeyDer)

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})
	return certPem, keyPem
}

// testRoute assembles a validated route for the given upstream. Validation
// fills in the parsed default timeouts the same way loading a config file
// would.
func testRoute(t *testing.T, pki *testPki, upstream string, mtls bool, rejectPolicy string) Route {
	t.Helper()
	route := Route{
		Listener: Listener{
			BindAddress:  "127.0.0.1:0",
			ServerCert:   pki.serverCertPath,
			ServerKey:    pki.serverKeyPath,
			Mtls:         mtls,
			RejectPolicy: rejectPolicy,
		},
		Backend: Backend{Address: upstream},
	}
	if mtls {
		route.Listener.ClientCa = pki.caPemPath
	}
	require.NoError(t, route.Validate())
	return route
}
