package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
)

type TrustMode int

const (
	// TrustSystem verifies the relay against the system roots
	TrustSystem TrustMode = iota
	// TrustInsecure accepts any certificate
	TrustInsecure
	// TrustPin accepts exactly the leaf certificate with a given SHA-256
	TrustPin
	// TrustCA verifies against the roots in a PEM file
	TrustCA
)

// Trust decides which relay certificates are accepted
type Trust struct {
	Mode TrustMode
	// Pin is the SHA-256 of the DER encoded leaf certificate
	Pin []byte
	// CAFile is a PEM bundle
	CAFile string
}

// ParseTrust parses "system", "insecure", "pin:<sha256 hex>" or "ca:<path>"
func ParseTrust(s string) (Trust, error) {
	switch {
	case s == "" || s == "system":
		return Trust{Mode: TrustSystem}, nil
	case s == "insecure":
		return Trust{Mode: TrustInsecure}, nil
	case strings.HasPrefix(s, "pin:"):
		pin, err := hex.DecodeString(strings.ReplaceAll(strings.TrimPrefix(s, "pin:"), ":", ""))
		if err != nil {
			return Trust{}, fmt.Errorf("bad certificate pin: %w", err)
		}
		if len(pin) != sha256.Size {
			return Trust{}, fmt.Errorf("certificate pin is %v bytes, want %v", len(pin), sha256.Size)
		}
		return Trust{Mode: TrustPin, Pin: pin}, nil
	case strings.HasPrefix(s, "ca:"):
		path := strings.TrimPrefix(s, "ca:")
		if path == "" {
			return Trust{}, errors.New("empty CA file path")
		}
		return Trust{Mode: TrustCA, CAFile: path}, nil
	default:
		return Trust{}, fmt.Errorf("unknown trust setting %q", s)
	}
}

func (t Trust) String() string {
	switch t.Mode {
	case TrustInsecure:
		return "insecure"
	case TrustPin:
		return "pin:" + hex.EncodeToString(t.Pin)
	case TrustCA:
		return "ca:" + t.CAFile
	default:
		return "system"
	}
}

func (t Trust) roots() (*x509.CertPool, error) {
	if t.Mode != TrustCA {
		return nil, nil
	}
	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %v", t.CAFile)
	}
	return pool, nil
}

func (t Trust) verifyPin(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("relay presented no certificate")
	}
	sum := sha256.Sum256(rawCerts[0])
	if !bytes.Equal(sum[:], t.Pin) {
		return fmt.Errorf("relay certificate %x does not match the pinned one", sum)
	}
	return nil
}

func (t Trust) tlsConfig(serverName string) (*tls.Config, error) {
	roots, err := t.roots()
	if err != nil {
		return nil, err
	}
	config := &tls.Config{
		ServerName: serverName,
		RootCAs:    roots,
		NextProtos: []string{"http/1.1"},
	}
	switch t.Mode {
	case TrustInsecure:
		config.InsecureSkipVerify = true
	case TrustPin:
		config.InsecureSkipVerify = true
		config.VerifyPeerCertificate = t.verifyPin
	}
	return config, nil
}

func (t Trust) utlsConfig(serverName string) (*utls.Config, error) {
	roots, err := t.roots()
	if err != nil {
		return nil, err
	}
	config := &utls.Config{
		ServerName: serverName,
		RootCAs:    roots,
	}
	switch t.Mode {
	case TrustInsecure:
		config.InsecureSkipVerify = true
	case TrustPin:
		config.InsecureSkipVerify = true
		config.VerifyPeerCertificate = t.verifyPin
	}
	return config, nil
}

// BrowserSig is the ClientHello fingerprint presented to the relay's TLS
// front
type BrowserSig int

const (
	BrowserGo BrowserSig = iota
	BrowserChrome
	BrowserFirefox
)

func ParseBrowserSig(s string) (BrowserSig, error) {
	switch strings.ToLower(s) {
	case "", "go":
		return BrowserGo, nil
	case "chrome":
		return BrowserChrome, nil
	case "firefox":
		return BrowserFirefox, nil
	default:
		return 0, fmt.Errorf("unknown browser signature %q", s)
	}
}

func (b BrowserSig) String() string {
	switch b {
	case BrowserChrome:
		return "chrome"
	case BrowserFirefox:
		return "firefox"
	default:
		return "go"
	}
}

func (b BrowserSig) helloID() utls.ClientHelloID {
	switch b {
	case BrowserFirefox:
		return utls.HelloFirefox_Auto
	default:
		return utls.HelloChrome_Auto
	}
}

// utlsDialer returns a dial function that completes a TLS handshake looking
// like the chosen browser. The WebSocket upgrade is HTTP/1.1, so the ALPN
// offer of the preset is narrowed to http/1.1.
func utlsDialer(trust Trust, serverName string, browser BrowserSig) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	config, err := trust.utlsConfig(serverName)
	if err != nil {
		return nil, err
	}
	helloID := browser.helloID()
	if _, err := utls.UTLSIdToSpec(helloID); err != nil {
		return nil, fmt.Errorf("building %v ClientHello: %w", browser, err)
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		spec, err := utls.UTLSIdToSpec(helloID)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}
		uconn := utls.UClient(rawConn, config.Clone(), utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			rawConn.Close()
			return nil, err
		}
		if err := uconn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("tls handshake with %v: %w", addr, err)
		}
		log.Tracef("%v tls handshake with %v done, alpn %q", browser, addr, uconn.ConnectionState().NegotiatedProtocol)
		return uconn, nil
	}, nil
}
