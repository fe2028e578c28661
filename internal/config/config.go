// Package config defines the provider-proxy CLI surface: the long-form
// flags from the spec and the Args bundle they parse into.
package config

import (
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// Mode selects the cache store's read/write policy.
type Mode string

const (
	ReadOnly        Mode = "read-only"
	ReadWrite       Mode = "read-write"
	ReadOldWriteNew Mode = "read-old-write-new"
)

func (m Mode) String() string {
	return string(m)
}

// Set implements kingpin.Value so an invalid --mode fails CLI parsing
// rather than surfacing only at first request.
func (m *Mode) Set(value string) error {
	switch Mode(value) {
	case ReadOnly, ReadWrite, ReadOldWriteNew:
		*m = Mode(value)
		return nil
	default:
		return fmt.Errorf("invalid mode %q: must be one of read-only, read-write, read-old-write-new", value)
	}
}

// Args is the fully parsed, immutable configuration for one process
// lifetime. It is constructed once in cmd/providerproxyd and shared
// read-only across every request goroutine.
type Args struct {
	CachePath            string
	Port                 uint16
	SanitizeBearerAuth   bool
	SanitizeAWSSigV4     bool
	SanitizeModelHeaders bool
	Mode                 Mode
	MetricsPath          string
	MetricsAddr          string
	LogLevel             string
}

// Parse parses argv (excluding the program name) into Args using the
// long-form flags documented in the spec.
func Parse(argv []string) (Args, error) {
	app := kingpin.New("provider-proxyd", "Caching HTTP/HTTPS MITM forward proxy for deterministic provider tests.")
	app.HelpFlag.Short('h')

	args := Args{Mode: ReadOldWriteNew}

	app.Flag("cache-path", "Directory for cache files; created recursively at startup.").
		Default("request_cache").StringVar(&args.CachePath)
	app.Flag("port", "Listen port.").
		Default("3003").Uint16Var(&args.Port)
	app.Flag("sanitize-bearer-auth", "Enable Bearer token scrubbing in cache key.").
		Default("true").BoolVar(&args.SanitizeBearerAuth)
	app.Flag("sanitize-aws-sigv4", "Enable AWS SigV4 header scrubbing.").
		Default("true").BoolVar(&args.SanitizeAWSSigV4)
	app.Flag("sanitize-model-headers", "Enable Modal-Key/Modal-Secret scrubbing.").
		Default("true").BoolVar(&args.SanitizeModelHeaders)
	app.Flag("mode", "One of read-only, read-write, read-old-write-new.").
		Default("read-old-write-new").SetValue(&args.Mode)
	app.Flag("metrics-path", "HTTP path that serves Prometheus metrics.").
		Default("/metrics").StringVar(&args.MetricsPath)
	app.Flag("metrics-addr", "Optional separate listen address for /metrics and /healthz. Empty serves them on the main listener.").
		Default("").StringVar(&args.MetricsAddr)
	app.Flag("log-level", "Log level (trace, debug, info, warn, error). Overridable by PROVIDER_PROXY_LOG_LEVEL.").
		Default("info").StringVar(&args.LogLevel)

	if _, err := app.Parse(argv); err != nil {
		return Args{}, err
	}
	return args, nil
}

func (a Args) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache-path=%s port=%d mode=%s sanitize_bearer_auth=%t sanitize_aws_sigv4=%t sanitize_model_headers=%t",
		a.CachePath, a.Port, a.Mode, a.SanitizeBearerAuth, a.SanitizeAWSSigV4, a.SanitizeModelHeaders)
	return b.String()
}
