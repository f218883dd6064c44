// Package tlsfingerprint provides TLS fingerprint simulation for upstream
// HTTP clients. It uses utls to produce handshakes matching the Claude CLI
// (Node.js + OpenSSL) instead of the Go crypto/tls default.
package tlsfingerprint

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// Profile contains TLS fingerprint configuration.
type Profile struct {
	Name         string
	CipherSuites []uint16
	Curves       []uint16
	PointFormats []uint8
}

// Default fingerprint values captured from Claude CLI 2.x (Node.js 20.x).
var (
	defaultCipherSuites = []uint16{
		// TLS 1.3 suites first; order matters for the JA3 hash.
		0x1302, 0x1303, 0x1301,
		0xc02f, 0xc02b, 0xc030, 0xc02c,
		0x009e,
		0xc027, 0x0067, 0xc028, 0x006b,
		0x00a3, 0x009f,
		0xcca9, 0xcca8, 0xccaa,
		0x00a2,
		0xc024, 0x006a, 0xc023, 0x0040,
		0xc00a, 0xc014, 0x0039, 0x0038,
		0xc009, 0xc013, 0x0033, 0x0032,
		0x009d, 0x009c,
		0x003d, 0x003c, 0x0035, 0x002f,
		0x00ff,
	}

	defaultCurves = []utls.CurveID{
		utls.X25519,
		utls.CurveP256,
		utls.CurveP521,
		utls.CurveP384,
	}

	defaultPointFormats = []uint8{0, 1, 2}
)

// DefaultClaudeCLIProfile returns the built-in Claude CLI profile.
func DefaultClaudeCLIProfile() *Profile {
	return &Profile{Name: "claude_cli_v2"}
}

// Dialer creates TLS connections with the configured fingerprint.
type Dialer struct {
	profile    *Profile
	baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer creates a fingerprint dialer on top of baseDialer (nil = direct).
func NewDialer(profile *Profile, baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)) *Dialer {
	if baseDialer == nil {
		baseDialer = (&net.Dialer{}).DialContext
	}
	return &Dialer{profile: profile, baseDialer: baseDialer}
}

// DialTLSContext establishes the TCP connection via the base dialer, then
// performs the utls handshake with the profile's ClientHello.
func (d *Dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := d.baseDialer(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := handshake(ctx, raw, addr, d.profile)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// ForProxy returns a DialTLSContext function routed through proxyURL
// (http/https CONNECT or socks5 tunnel). proxyURL may be nil for direct.
func ForProxy(profile *Profile, proxyURL *url.URL) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	if proxyURL == nil {
		return NewDialer(profile, nil).DialTLSContext, nil
	}
	switch strings.ToLower(proxyURL.Scheme) {
	case "http", "https":
		d := &httpProxyDialer{profile: profile, proxyURL: proxyURL}
		return d.DialTLSContext, nil
	case "socks5", "socks5h":
		d := &socks5ProxyDialer{profile: profile, proxyURL: proxyURL}
		return d.DialTLSContext, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
}

type httpProxyDialer struct {
	profile  *Profile
	proxyURL *url.URL
}

// DialTLSContext establishes a CONNECT tunnel, then handshakes with utls.
func (d *httpProxyDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		if strings.EqualFold(d.proxyURL.Scheme, "https") {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "80")
		}
	}

	raw, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		connectReq += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	connectReq += "\r\n"

	if _, err := raw.Write([]byte(connectReq)); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = raw.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	conn, err := handshake(ctx, raw, addr, d.profile)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

type socks5ProxyDialer struct {
	profile  *Profile
	proxyURL *url.URL
}

// DialTLSContext tunnels through SOCKS5 and handshakes with utls.
func (d *socks5ProxyDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}

	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	raw, err := contextDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 connect: %w", err)
	}

	conn, err := handshake(ctx, raw, addr, d.profile)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// handshake performs the utls handshake on an established connection.
func handshake(ctx context.Context, raw net.Conn, addr string, profile *Profile) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	spec := buildClientHelloSpec(profile)
	conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := conn.ApplyPreset(spec); err != nil {
		return nil, fmt.Errorf("apply TLS preset: %w", err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return conn, nil
}

func buildClientHelloSpec(profile *Profile) *utls.ClientHelloSpec {
	ciphers := defaultCipherSuites
	if profile != nil && len(profile.CipherSuites) > 0 {
		ciphers = profile.CipherSuites
	}
	curves := defaultCurves
	if profile != nil && len(profile.Curves) > 0 {
		curves = make([]utls.CurveID, 0, len(profile.Curves))
		for _, c := range profile.Curves {
			curves = append(curves, utls.CurveID(c))
		}
	}
	pointFormats := defaultPointFormats
	if profile != nil && len(profile.PointFormats) > 0 {
		pointFormats = profile.PointFormats
	}

	return &utls.ClientHelloSpec{
		CipherSuites: ciphers,
		Extensions: []utls.TLSExtension{
			&utls.SNIExtension{},
			&utls.SupportedPointsExtension{SupportedPoints: pointFormats},
			&utls.SupportedCurvesExtension{Curves: curves},
			&utls.SessionTicketExtension{},
			&utls.StatusRequestExtension{},
			&utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: []utls.SignatureScheme{
				utls.ECDSAWithP256AndSHA256,
				utls.ECDSAWithP384AndSHA384,
				utls.ECDSAWithP521AndSHA512,
				utls.Ed25519,
				utls.PSSWithSHA256,
				utls.PSSWithSHA384,
				utls.PSSWithSHA512,
				utls.PKCS1WithSHA256,
				utls.PKCS1WithSHA384,
				utls.PKCS1WithSHA512,
			}},
			&utls.ALPNExtension{AlpnProtocols: []string{"http/1.1"}},
			&utls.SupportedVersionsExtension{Versions: []uint16{utls.VersionTLS13, utls.VersionTLS12}},
			&utls.KeyShareExtension{KeyShares: []utls.KeyShare{{Group: utls.X25519}}},
			&utls.PSKKeyExchangeModesExtension{Modes: []uint8{utls.PskModeDHE}},
		},
		TLSVersMin: utls.VersionTLS12,
		TLSVersMax: utls.VersionTLS13,
	}
}
