package pool

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/oluso/ldapbridge/pkg/config"
)

// Health of one pooled connection.
type Health int32

const (
	Healthy Health = iota
	Suspect
	Dead
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Client is the slice of the go-ldap connection API the pool needs.
// *ldap.Conn satisfies it; tests substitute fakes.
type Client interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

// DialFunc opens one new client transport.
type DialFunc func(ctx context.Context) (Client, error)

// PooledConn is one live transport plus its bookkeeping. It is owned
// exclusively by one caller between Acquire and Release.
type PooledConn struct {
	client   Client
	health   atomic.Int32
	lastUsed time.Time
}

func (pc *PooledConn) Health() Health {
	return Health(pc.health.Load())
}

func (pc *PooledConn) setHealth(h Health) {
	pc.health.Store(int32(h))
}

// defaultDialer connects to the first reachable configured server,
// optionally upgrading with StartTLS.
func defaultDialer(cfg *config.Pool) DialFunc {
	return func(ctx context.Context) (Client, error) {
		timeout := time.Duration(cfg.AcquireTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}

		opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
		if cfg.Insecure {
			opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
		}

		var lastErr error
		for _, server := range cfg.Servers {
			conn, err := ldap.DialURL(server, opts...)
			if err != nil {
				lastErr = err
				continue
			}
			if cfg.UseStartTLS {
				tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Insecure}
				if err := conn.StartTLS(tlsConfig); err != nil {
					conn.Close()
					lastErr = err
					continue
				}
			}
			return conn, nil
		}
		if lastErr == nil {
			lastErr = ErrDirectoryUnavailable
		}
		return nil, lastErr
	}
}
