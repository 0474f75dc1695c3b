package session

import (
	"crypto/tls"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/oluso/ldapbridge/internal/monitoring"
	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/directory"
	"github.com/oluso/ldapbridge/pkg/identity"
)

// Option defines a single option function.
type Option func(o *Options)

// Options defines the available options for this package.
type Options struct {
	Logger         *zerolog.Logger
	Config         *config.Directory
	Mapper         *directory.Mapper
	Store          identity.Store
	StartTLSConfig *tls.Config
	ImplicitTLS    bool
	Monitor        monitoring.MonitorInterface
	Tracer         trace.Tracer
}

// newOptions initializes the available default options.
func newOptions(opts ...Option) Options {
	opt := Options{}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Logger provides a function to set the logger option.
func Logger(val *zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = val
	}
}

// Config provides a function to set the directory config option.
func Config(val *config.Directory) Option {
	return func(o *Options) {
		o.Config = val
	}
}

// Mapper provides a function to set the mapper option.
func Mapper(val *directory.Mapper) Option {
	return func(o *Options) {
		o.Mapper = val
	}
}

// Store provides a function to set the identity store option.
func Store(val identity.Store) Option {
	return func(o *Options) {
		o.Store = val
	}
}

// StartTLSConfig provides a function to set the StartTLS config option.
func StartTLSConfig(val *tls.Config) Option {
	return func(o *Options) {
		o.StartTLSConfig = val
	}
}

// ImplicitTLS marks the connection as TLS from the first byte (ldaps).
func ImplicitTLS(val bool) Option {
	return func(o *Options) {
		o.ImplicitTLS = val
	}
}

// Monitor provides a function to set the monitor option.
func Monitor(val monitoring.MonitorInterface) Option {
	return func(o *Options) {
		o.Monitor = val
	}
}

// Tracer provides a function to set the tracer option.
func Tracer(val trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = val
	}
}
