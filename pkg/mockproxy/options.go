package mockproxy

import (
	"dario.cat/mergo"

	"github.com/getmockd/mockproxy/pkg/certauth"
	"github.com/getmockd/mockproxy/pkg/transport"
)

// CAConfig supplies the CA a Server mints leaf certificates from, per
// §4.9/§1: the CA is always caller-supplied, never generated here. Exactly
// one of (Cert, Key) or (CertPath, KeyPath) must be set.
type CAConfig struct {
	Cert     []byte
	Key      []byte
	CertPath string
	KeyPath  string
}

// CORSOptions configures the server's auto-preflight-response behavior.
type CORSOptions struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// Options configures a Server. Built up from DefaultOptions() via the
// functional Option setters, or merged wholesale with WithOptions.
type Options struct {
	Port      transport.PortSpec
	HTTPSPort transport.PortSpec

	CA    *CAConfig
	HTTP2 transport.HTTP2Policy

	CORS    bool
	CORSOpt CORSOptions

	Debug                                bool
	SuggestChanges                       bool
	RecordTraffic                        bool
	MaxBodySize                          int64
	IgnoreWebsocketHostCertificateErrors []string
	StandaloneServerURL                  string

	DialTimeout float64 // seconds; 0 means the transport default
}

// DefaultOptions returns the option set a bare New() builds a Server from:
// recordTraffic on, HTTP/2 policy transport.HTTP2Fallback (h2 is offered
// alongside http/1.1 whatever the client advertises), and the 10MB body cap
// shared with pkg/transport.
func DefaultOptions() Options {
	return Options{
		HTTP2:         transport.HTTP2Fallback,
		RecordTraffic: true,
		MaxBodySize:   transport.DefaultMaxBodySize,
	}
}

// Option mutates a partially-built Options during New.
type Option func(*Options)

// WithPort pins the plain-HTTP listener to an exact port.
func WithPort(port int) Option {
	return func(o *Options) { o.Port = transport.PortSpec{Numeric: port} }
}

// WithPortRange tries ports start..end in order, first bind wins.
func WithPortRange(start, end int) Option {
	return func(o *Options) { o.Port = transport.PortSpec{StartPort: start, EndPort: end} }
}

// WithHTTPS enables TLS termination and MITM, minting leaf certificates from
// ca. httpsPort defaults to an ephemeral port if zero.
func WithHTTPS(ca CAConfig, httpsPort int) Option {
	return func(o *Options) {
		o.CA = &ca
		if httpsPort != 0 {
			o.HTTPSPort = transport.PortSpec{Numeric: httpsPort}
		}
	}
}

// WithHTTP2 sets the ALPN offer policy.
func WithHTTP2(policy transport.HTTP2Policy) Option {
	return func(o *Options) { o.HTTP2 = policy }
}

// WithCORS turns on preflight auto-response. An options() rule registration
// fails with a ConfigError while this is set, per §4.10.
func WithCORS(opts CORSOptions) Option {
	return func(o *Options) { o.CORS = true; o.CORSOpt = opts }
}

// WithMaxBodySize caps in-memory body capture, in bytes.
func WithMaxBodySize(n int64) Option {
	return func(o *Options) { o.MaxBodySize = n }
}

// WithSuggestChanges enriches the 503 miss body with a code suggestion.
func WithSuggestChanges(enabled bool) Option {
	return func(o *Options) { o.SuggestChanges = enabled }
}

// WithRecordTraffic sets the default recordTraffic value new rules inherit
// unless overridden per-rule via the builder.
func WithRecordTraffic(enabled bool) Option {
	return func(o *Options) { o.RecordTraffic = enabled }
}

// WithDebug turns on verbose operational logging.
func WithDebug(enabled bool) Option {
	return func(o *Options) { o.Debug = enabled }
}

// WithIgnoreWebsocketHostCertificateErrors sets the legacy global WS trust
// bypass list.
func WithIgnoreWebsocketHostCertificateErrors(patterns []string) Option {
	return func(o *Options) { o.IgnoreWebsocketHostCertificateErrors = patterns }
}

// WithStandaloneServerURL records a control-plane remoting endpoint. This
// engine does not itself dial it; the field exists so configuration loaded
// from a shared options document round-trips without loss.
func WithStandaloneServerURL(url string) Option {
	return func(o *Options) { o.StandaloneServerURL = url }
}

// WithOptions merges a partially-populated Options onto the target with
// mergo, so a caller can build up one struct (e.g. parsed from a config
// file) and apply it in a single Option rather than one setter per field.
func WithOptions(partial Options) Option {
	return func(o *Options) {
		_ = mergo.Merge(o, partial, mergo.WithOverride)
	}
}

// loadCA turns a CAConfig into a ready Minter, preferring in-memory PEM over
// file paths, and rejecting a config that sets both or neither.
func loadCA(cfg *CAConfig) (*certauth.Minter, error) {
	hasInline := len(cfg.Cert) > 0 || len(cfg.Key) > 0
	hasPath := cfg.CertPath != "" || cfg.KeyPath != ""
	if hasInline == hasPath {
		return nil, &ConfigError{Msg: "https requires exactly one of {cert,key} or {certPath,keyPath}"}
	}

	m := certauth.New()
	if hasInline {
		if len(cfg.Cert) == 0 || len(cfg.Key) == 0 {
			return nil, &ConfigError{Msg: "https requires both cert and key"}
		}
		if err := m.LoadFromPEM(cfg.Cert, cfg.Key); err != nil {
			return nil, &ConfigError{Msg: err.Error()}
		}
		return m, nil
	}

	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, &ConfigError{Msg: "https requires both certPath and keyPath"}
	}
	if err := m.LoadFromFiles(cfg.CertPath, cfg.KeyPath); err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}
	return m, nil
}
