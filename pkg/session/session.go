// Package session owns one accepted connection: it reads BER frames,
// walks the unbound → bound protocol state machine, dispatches searches
// to the directory mapper and writes the responses back in order.
package session

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/oluso/ldapbridge/internal/monitoring"
	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/directory"
	"github.com/oluso/ldapbridge/pkg/identity"
	"github.com/oluso/ldapbridge/pkg/proto"
	"github.com/oluso/ldapbridge/pkg/stats"
)

type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

type Transport int

const (
	TransportPlain Transport = iota
	TransportImplicitTLS
	TransportUpgradedTLS
)

// Session is the per-connection protocol state. It is mutated only by the
// goroutine running Serve.
type Session struct {
	conn   net.Conn
	reader io.Reader

	cfg      *config.Directory
	mapper   *directory.Mapper
	store    identity.Store
	starttls *tls.Config
	log      zerolog.Logger
	monitor  monitoring.MonitorInterface
	tracer   trace.Tracer

	state       State
	transport   Transport
	boundDN     string
	boundTenant string

	requests int64
	bytesIn  int64
	bytesOut int64
}

func New(conn net.Conn, opts ...Option) *Session {
	options := newOptions(opts...)

	s := &Session{
		conn:    conn,
		cfg:     options.Config,
		mapper:  options.Mapper,
		store:   options.Store,
		monitor: options.Monitor,
		tracer:  options.Tracer,
		state:   StateUnbound,
	}
	s.reader = &countingReader{r: conn, n: &s.bytesIn}
	if options.Logger != nil {
		s.log = options.Logger.With().Str("src", conn.RemoteAddr().String()).Logger()
	}
	if options.ImplicitTLS {
		s.transport = TransportImplicitTLS
	}
	s.starttls = options.StartTLSConfig
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("github.com/oluso/ldapbridge")
	}

	return s
}

func (s *Session) State() State         { return s.state }
func (s *Session) Transport() Transport { return s.transport }
func (s *Session) BoundDN() string      { return s.boundDN }

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}

func (s *Session) idleTimeout() time.Duration {
	if s.cfg != nil && s.cfg.ConnectionTimeoutSeconds > 0 {
		return time.Duration(s.cfg.ConnectionTimeoutSeconds) * time.Second
	}
	return 0
}

// Serve runs the session until unbind, abandon, a framing error, a timeout
// or ctx cancellation. It closes the connection on return.
func (s *Session) Serve(ctx context.Context) {
	defer s.close()

	for {
		if ctx.Err() != nil {
			return
		}
		if timeout := s.idleTimeout(); timeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		msg, err := proto.ReadMessage(s.reader)
		if err != nil {
			if err == io.EOF {
				s.log.Debug().Msg("peer closed connection")
				return
			}
			// garbage gets no protocol courtesy, just a closed socket
			stats.Frontend.Add("framing_errors", 1)
			s.log.Info().Err(err).Msg("framing error, dropping connection")
			return
		}
		s.requests++

		switch op := msg.Op.(type) {
		case *proto.BindRequest:
			s.handleBind(ctx, msg.ID, op)
		case *proto.UnbindRequest:
			stats.Frontend.Add("unbinds", 1)
			s.log.Debug().Msg("unbind")
			return
		case *proto.AbandonRequest:
			stats.Frontend.Add("abandons", 1)
			s.log.Debug().Int64("abandoned_id", op.MessageID).Msg("abandon")
			return
		case *proto.SearchRequest:
			s.handleSearch(ctx, msg.ID, op)
		case *proto.ExtendedRequest:
			if done := s.handleExtended(msg.ID, op); done {
				return
			}
		default:
			s.log.Info().Int64("id", msg.ID).Msg("response PDU from client, dropping connection")
			return
		}
	}
}

func (s *Session) close() {
	s.state = StateClosed
	s.conn.Close()
	stats.Frontend.Add("closes", 1)
	s.log.Debug().
		Int64("requests", s.requests).
		Int64("bytes_in", s.bytesIn).
		Int64("bytes_out", s.bytesOut).
		Msg("session closed")
}

func (s *Session) write(id int64, op proto.Operation) error {
	msg := &proto.Message{ID: id, Op: op}
	data := msg.Bytes()
	if timeout := s.idleTimeout(); timeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := s.conn.Write(data)
	s.bytesOut += int64(n)
	if err != nil {
		s.log.Debug().Err(err).Msg("write failed")
	}
	return err
}

func (s *Session) observe(operation string, code proto.ResultCode, start time.Time) {
	if s.monitor == nil {
		return
	}
	s.monitor.SetResponseTimeMetric(
		map[string]string{"operation": operation, "status": fmt.Sprintf("%d", code)},
		time.Since(start).Seconds(),
	)
}

func (s *Session) handleBind(ctx context.Context, id int64, req *proto.BindRequest) {
	ctx, span := s.tracer.Start(ctx, "session.Bind")
	defer span.End()

	start := time.Now()
	stats.Frontend.Add("bind_reqs", 1)

	code := s.bind(ctx, req)
	s.observe("bind", code, start)

	if code == proto.ResultSuccess {
		stats.Frontend.Add("bind_successes", 1)
		s.state = StateBound
		s.log.Info().Str("binddn", s.boundDN).Msg("bind success")
	} else {
		stats.Frontend.Add("bind_errors", 1)
		s.log.Info().Str("binddn", req.Name).Str("code", code.String()).Msg("bind failed")
	}

	s.write(id, &proto.BindResponse{Result: proto.Result{Code: code, Diagnostic: bindDiagnostic(code)}})
}

func bindDiagnostic(code proto.ResultCode) string {
	switch code {
	case proto.ResultSuccess:
		return ""
	case proto.ResultProtocolError:
		return "unsupported protocol version"
	case proto.ResultUnavailable:
		return "identity store unavailable"
	default:
		return "invalid credentials"
	}
}

func (s *Session) bind(ctx context.Context, req *proto.BindRequest) proto.ResultCode {
	if req.Version != 3 {
		return proto.ResultProtocolError
	}

	name := directory.NormalizeDN(req.Name)

	// anonymous bind: both fields empty
	if name == "" && req.Password == "" {
		if s.cfg != nil && s.cfg.AllowAnonymousBind {
			// an anonymous session carries no tenant, so with isolation
			// enabled there is no subtree it may legitimately see
			if s.cfg.TenantIsolation {
				return proto.ResultInvalidCredentials
			}
			s.boundDN = ""
			s.boundTenant = ""
			return proto.ResultSuccess
		}
		return proto.ResultInvalidCredentials
	}

	// unauthenticated binds (name without password) are never accepted
	if name == "" || req.Password == "" {
		return proto.ResultInvalidCredentials
	}

	if s.cfg != nil && s.cfg.AdminDN != "" && name == directory.NormalizeDN(s.cfg.AdminDN) {
		if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) == 1 {
			s.boundDN = name
			s.boundTenant = ""
			return proto.ResultSuccess
		}
		return proto.ResultInvalidCredentials
	}

	user, tenant, ok := s.mapper.ResolveUserDN(name)
	if !ok {
		return proto.ResultInvalidCredentials
	}

	record, found, err := s.store.FindUser(ctx, tenant, user)
	if err != nil {
		s.log.Warn().Err(err).Msg("identity store unreachable during bind")
		return proto.ResultUnavailable
	}
	if !found {
		return proto.ResultInvalidCredentials
	}

	// with isolation enabled the bind DN must name the user's own tenant
	// subtree; the tenantless shape authenticates tenantless records only
	if s.cfg != nil && s.cfg.TenantIsolation && record.Tenant != tenant {
		return proto.ResultInvalidCredentials
	}

	switch err := s.store.CheckPassword(ctx, record.Tenant, user, req.Password); {
	case err == nil:
		s.boundDN = name
		s.boundTenant = tenant
		return proto.ResultSuccess
	case err == identity.ErrInvalidCredentials:
		return proto.ResultInvalidCredentials
	default:
		s.log.Warn().Err(err).Msg("identity store unreachable during bind")
		return proto.ResultUnavailable
	}
}

func (s *Session) handleSearch(ctx context.Context, id int64, req *proto.SearchRequest) {
	ctx, span := s.tracer.Start(ctx, "session.Search")
	defer span.End()

	start := time.Now()
	stats.Frontend.Add("search_reqs", 1)

	if s.state != StateBound {
		s.observe("search", proto.ResultInsufficientAccessRights, start)
		stats.Frontend.Add("search_denied", 1)
		s.write(id, &proto.SearchResultDone{Result: proto.Result{
			Code:       proto.ResultInsufficientAccessRights,
			Diagnostic: "bind first",
		}})
		return
	}

	if req.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeLimit)*time.Second)
		defer cancel()
	}

	filterText := ""
	if req.Filter != nil {
		filterText = req.Filter.String()
	}
	s.log.Debug().Str("basedn", req.BaseDN).Int64("scope", req.Scope).Str("filter", filterText).Msg("search")

	entries, code, err := s.mapper.Search(ctx, s.boundTenant, req)
	if err != nil {
		s.log.Warn().Err(err).Msg("search failed")
	}

	sent := 0
	for _, entry := range entries {
		if werr := s.write(id, s.resultEntry(entry, req)); werr != nil {
			return
		}
		sent++
	}
	s.observe("search", code, start)
	if code == proto.ResultSuccess {
		stats.Frontend.Add("search_successes", 1)
	} else {
		stats.Frontend.Add("search_errors", 1)
	}
	s.log.Debug().Int("entries", sent).Str("code", code.String()).Msg("search done")

	s.write(id, &proto.SearchResultDone{Result: proto.Result{Code: code, Diagnostic: searchDiagnostic(code)}})
}

func searchDiagnostic(code proto.ResultCode) string {
	switch code {
	case proto.ResultSuccess:
		return ""
	case proto.ResultSizeLimitExceeded:
		return "size limit exceeded"
	case proto.ResultTimeLimitExceeded:
		return "time limit exceeded"
	case proto.ResultNoSuchObject:
		return "no such object"
	default:
		return "search failed"
	}
}

// resultEntry projects one mapped entry through the request's attribute
// selection. "1.1" asks for no attributes at all; typesOnly strips values.
func (s *Session) resultEntry(entry directory.Entry, req *proto.SearchRequest) *proto.SearchResultEntry {
	result := &proto.SearchResultEntry{DN: entry.DN, Attributes: []proto.Attribute{}}

	if len(req.Attributes) == 1 && req.Attributes[0] == "1.1" {
		return result
	}

	names := make([]string, 0, len(entry.Attributes))
	for name := range entry.Attributes {
		if len(req.Attributes) > 0 && !wantsAttribute(req.Attributes, name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		attr := proto.Attribute{Name: name}
		if !req.TypesOnly {
			attr.Values = entry.Attributes[name]
		}
		result.Attributes = append(result.Attributes, attr)
	}
	return result
}

func wantsAttribute(requested []string, name string) bool {
	for _, want := range requested {
		if want == "*" || strings.EqualFold(want, name) {
			return true
		}
	}
	return false
}

// handleExtended serves STARTTLS, the only extended operation. The bool
// result reports whether the connection must be dropped.
func (s *Session) handleExtended(id int64, req *proto.ExtendedRequest) bool {
	start := time.Now()
	stats.Frontend.Add("extended_reqs", 1)

	if req.Name != proto.StartTLSOID {
		s.observe("extended", proto.ResultUnavailableCriticalExtension, start)
		s.write(id, &proto.ExtendedResponse{Result: proto.Result{
			Code:       proto.ResultUnavailableCriticalExtension,
			Diagnostic: "unsupported extended operation",
		}})
		return false
	}

	if s.transport != TransportPlain {
		s.observe("starttls", proto.ResultUnavailableCriticalExtension, start)
		s.write(id, &proto.ExtendedResponse{
			Result: proto.Result{
				Code:       proto.ResultUnavailableCriticalExtension,
				Diagnostic: "session is already encrypted",
			},
			Name: proto.StartTLSOID,
		})
		return false
	}

	if s.starttls == nil {
		s.observe("starttls", proto.ResultUnavailable, start)
		s.write(id, &proto.ExtendedResponse{
			Result: proto.Result{Code: proto.ResultUnavailable, Diagnostic: "TLS is not configured"},
			Name:   proto.StartTLSOID,
		})
		return false
	}

	// the success response goes out in the clear, then the handshake runs
	if err := s.write(id, &proto.ExtendedResponse{
		Result: proto.Result{Code: proto.ResultSuccess},
		Name:   proto.StartTLSOID,
	}); err != nil {
		return true
	}

	tlsConn := tls.Server(s.conn, s.starttls)
	if timeout := s.idleTimeout(); timeout > 0 {
		tlsConn.SetDeadline(time.Now().Add(timeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		stats.Frontend.Add("starttls_errors", 1)
		s.log.Info().Err(err).Msg("TLS handshake failed")
		return true
	}
	tlsConn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.reader = &countingReader{r: tlsConn, n: &s.bytesIn}
	s.transport = TransportUpgradedTLS
	stats.Frontend.Add("starttls_upgrades", 1)
	s.observe("starttls", proto.ResultSuccess, start)
	s.log.Info().Msg("connection upgraded to TLS")
	return false
}
