package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	_tls "github.com/oluso/ldapbridge/internal/tls"

	"github.com/oluso/ldapbridge/internal/monitoring"
	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/directory"
	"github.com/oluso/ldapbridge/pkg/identity"
	"github.com/oluso/ldapbridge/pkg/pool"
	"github.com/oluso/ldapbridge/pkg/session"
	"github.com/oluso/ldapbridge/pkg/stats"
)

// LdapSvc ties the listeners, the directory mapper and the identity store
// together. One instance serves both the plain and the TLS listener.
type LdapSvc struct {
	c *config.Config

	store  identity.Store
	mapper *directory.Mapper
	pool   *pool.Pool

	starttls *tls.Config
	ldapstls *tls.Config
	monitor  monitoring.MonitorInterface
	tracer   trace.Tracer
	log      zerolog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup

	activeConns int64
	totalConns  int64
	rejected    int64

	quit chan struct{}
}

func NewServer(opts ...Option) (*LdapSvc, error) {
	options := newOptions(opts...)

	s := LdapSvc{
		log:      options.Logger,
		c:        options.Config,
		starttls: options.StartTLSConfig,
		ldapstls: options.LDAPSTLSConfig,
		monitor:  options.Monitor,
		tracer:   options.Tracer,
		quit:     make(chan struct{}),
	}

	// configure the backend
	switch s.c.Backend.Datastore {
	case "", "config":
		s.store = identity.NewConfigStore(s.c.Users, s.c.Groups)
	case "ldap":
		s.pool = pool.New(&s.c.Pool, &s.log)
		s.store = identity.NewUpstreamStore(s.pool, &s.c.Pool, &s.log)
	default:
		return nil, fmt.Errorf("unsupported backend %s - must be one of 'config', 'ldap'", s.c.Backend.Datastore)
	}
	s.log.Info().Str("datastore", s.c.Backend.Datastore).Msg("Using backend")

	s.mapper = directory.NewMapper(&s.c.Directory, s.store, &s.log)

	if s.starttls != nil {
		s.log.Info().
			Str("tls.min_version", tls.VersionName(s.starttls.MinVersion)).
			Str("tls.max_version", tls.VersionName(s.starttls.MaxVersion)).
			Interface("tls.cipher_suites", _tls.CipherSuiteNames(s.starttls.CipherSuites)).
			Msg("enabling LDAP over TLS")
	}

	if s.ldapstls != nil {
		s.log.Info().
			Str("tls.min_version", tls.VersionName(s.ldapstls.MinVersion)).
			Str("tls.max_version", tls.VersionName(s.ldapstls.MaxVersion)).
			Interface("tls.cipher_suites", _tls.CipherSuiteNames(s.ldapstls.CipherSuites)).
			Msg("enabling LDAPS")
	}

	if s.monitor != nil {
		monitoring.NewLDAPMonitorWatcher(&s, s.monitor, &s.log)
	}

	return &s, nil
}

// GetStats reports a snapshot of the listener counters.
func (s *LdapSvc) GetStats() monitoring.ServerStats {
	return monitoring.ServerStats{
		ActiveConns: atomic.LoadInt64(&s.activeConns),
		TotalConns:  atomic.LoadInt64(&s.totalConns),
		Rejected:    atomic.LoadInt64(&s.rejected),
	}
}

// ListenAndServe listens on the TCP network address s.c.LDAP.Listen
func (s *LdapSvc) ListenAndServe() error {
	s.log.Info().Str("address", s.c.LDAP.Listen).Msg("LDAP server listening")
	listener, err := net.Listen("tcp", s.c.LDAP.Listen)
	if err != nil {
		return err
	}
	return s.serve(listener, false)
}

// ListenAndServeTLS listens on the TCP network address s.c.LDAPS.Listen
func (s *LdapSvc) ListenAndServeTLS() error {
	s.log.Info().Str("address", s.c.LDAPS.Listen).Msg("LDAPS server listening")
	listener, err := tls.Listen("tcp", s.c.LDAPS.Listen, s.ldapstls)
	if err != nil {
		return err
	}
	return s.serve(listener, true)
}

func (s *LdapSvc) serve(listener net.Listener, implicitTLS bool) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return err
			}
		}

		// the connection cap is enforced here, before any protocol work
		max := int64(s.c.Directory.MaxConnections)
		if max > 0 && atomic.LoadInt64(&s.activeConns) >= max {
			atomic.AddInt64(&s.rejected, 1)
			stats.Frontend.Add("rejected_conns", 1)
			s.log.Info().Str("src", conn.RemoteAddr().String()).Msg("connection limit reached, rejecting")
			conn.Close()
			continue
		}

		atomic.AddInt64(&s.activeConns, 1)
		atomic.AddInt64(&s.totalConns, 1)
		stats.Frontend.Add("conns", 1)

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer atomic.AddInt64(&s.activeConns, -1)

			sess := session.New(conn,
				session.Logger(&s.log),
				session.Config(&s.c.Directory),
				session.Mapper(s.mapper),
				session.Store(s.store),
				session.StartTLSConfig(s.starttls),
				session.ImplicitTLS(implicitTLS),
				session.Monitor(s.monitor),
				session.Tracer(s.tracer),
			)
			sess.Serve(context.Background())
		}(conn)
	}
}

// Shutdown stops the listeners, waits for the running sessions to drain and
// closes the upstream pool if one was opened.
func (s *LdapSvc) Shutdown() {
	close(s.quit)

	s.mu.Lock()
	for _, listener := range s.listeners {
		listener.Close()
	}
	s.listeners = nil
	s.mu.Unlock()

	s.wg.Wait()

	if s.pool != nil {
		s.pool.Close()
	}
}
