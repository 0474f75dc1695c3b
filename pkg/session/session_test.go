package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/directory"
	"github.com/oluso/ldapbridge/pkg/filter"
	"github.com/oluso/ldapbridge/pkg/identity"
	"github.com/oluso/ldapbridge/pkg/proto"
)

func sha256Hex(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func testDirectoryConfig() config.Directory {
	return config.Directory{
		BaseDN:        "dc=oluso,dc=local",
		Organization:  "Oluso",
		AdminDN:       "cn=admin,dc=oluso,dc=local",
		AdminPassword: "s3cret",
	}
}

func testIdentityStore() identity.Store {
	return identity.NewConfigStore(
		[]config.User{
			{Name: "alice", Mail: "alice@example.com", PassSHA256: sha256Hex("wonderland")},
			{Name: "bob", Mail: "bob@example.com", PassSHA256: sha256Hex("builder")},
		},
		[]config.Group{{Name: "engineering"}},
	)
}

// startSession wires a session to one end of a pipe and returns the client
// end plus a channel closed when the session goroutine exits.
func startSession(t *testing.T, cfg config.Directory, extra ...Option) (net.Conn, chan struct{}) {
	t.Helper()
	return startSessionWith(t, cfg, testIdentityStore(), extra...)
}

func startSessionWith(t *testing.T, cfg config.Directory, store identity.Store, extra ...Option) (net.Conn, chan struct{}) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	logger := zerolog.Nop()
	mapper := directory.NewMapper(&cfg, store, &logger)

	opts := append([]Option{
		Logger(&logger),
		Config(&cfg),
		Mapper(mapper),
		Store(store),
	}, extra...)

	sess := New(serverConn, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Serve(context.Background())
	}()

	t.Cleanup(func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not terminate")
		}
	})

	return clientConn, done
}

func send(t *testing.T, conn net.Conn, id int64, op proto.Operation) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, proto.WriteMessage(conn, &proto.Message{ID: id, Op: op}))
}

func receive(t *testing.T, conn net.Conn) *proto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := proto.ReadMessage(conn)
	require.NoError(t, err)
	return msg
}

func bind(t *testing.T, conn net.Conn, id int64, name, password string) proto.ResultCode {
	t.Helper()
	send(t, conn, id, &proto.BindRequest{Version: 3, Name: name, Password: password})
	msg := receive(t, conn)
	require.Equal(t, id, msg.ID)
	resp, ok := msg.Op.(*proto.BindResponse)
	require.True(t, ok)
	return resp.Code
}

func TestBindSearchUnbind(t *testing.T) {
	conn, done := startSession(t, testDirectoryConfig())

	require.Equal(t, proto.ResultSuccess, bind(t, conn, 1, "cn=admin,dc=oluso,dc=local", "s3cret"))

	send(t, conn, 2, &proto.SearchRequest{
		BaseDN: "ou=Users,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Equality{Attribute: "mail", Value: "alice@example.com"},
	})

	msg := receive(t, conn)
	require.Equal(t, int64(2), msg.ID)
	entry, ok := msg.Op.(*proto.SearchResultEntry)
	require.True(t, ok)
	assert.Equal(t, "uid=alice,ou=users,dc=oluso,dc=local", entry.DN)

	msg = receive(t, conn)
	require.Equal(t, int64(2), msg.ID)
	doneOp, ok := msg.Op.(*proto.SearchResultDone)
	require.True(t, ok)
	assert.Equal(t, proto.ResultSuccess, doneOp.Code)

	send(t, conn, 3, &proto.UnbindRequest{})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close after unbind")
	}
}

func TestSearchBeforeBindIsDenied(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	send(t, conn, 1, &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "objectClass"},
	})

	msg := receive(t, conn)
	doneOp, ok := msg.Op.(*proto.SearchResultDone)
	require.True(t, ok)
	assert.Equal(t, proto.ResultInsufficientAccessRights, doneOp.Code)
}

func TestUserBind(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	assert.Equal(t, proto.ResultInvalidCredentials,
		bind(t, conn, 1, "uid=alice,ou=Users,dc=oluso,dc=local", "not-wonderland"))
	assert.Equal(t, proto.ResultSuccess,
		bind(t, conn, 2, "uid=alice,ou=Users,dc=oluso,dc=local", "wonderland"))
}

func TestBindRejectsUnknownDNShape(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	assert.Equal(t, proto.ResultInvalidCredentials,
		bind(t, conn, 1, "cn=alice,ou=Elsewhere,dc=oluso,dc=local", "wonderland"))
}

func TestBindRejectsOldProtocolVersion(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	send(t, conn, 1, &proto.BindRequest{Version: 2, Name: "cn=admin,dc=oluso,dc=local", Password: "s3cret"})
	msg := receive(t, conn)
	resp := msg.Op.(*proto.BindResponse)
	assert.Equal(t, proto.ResultProtocolError, resp.Code)
}

func TestAnonymousBind(t *testing.T) {
	t.Run("denied by default", func(t *testing.T) {
		conn, _ := startSession(t, testDirectoryConfig())
		assert.Equal(t, proto.ResultInvalidCredentials, bind(t, conn, 1, "", ""))
	})

	t.Run("allowed when configured", func(t *testing.T) {
		cfg := testDirectoryConfig()
		cfg.AllowAnonymousBind = true
		conn, _ := startSession(t, cfg)

		require.Equal(t, proto.ResultSuccess, bind(t, conn, 1, "", ""))

		// an anonymous session is bound and may search
		send(t, conn, 2, &proto.SearchRequest{
			BaseDN: "dc=oluso,dc=local",
			Scope:  proto.ScopeBaseObject,
			Filter: &filter.Present{Attribute: "objectClass"},
		})
		msg := receive(t, conn)
		_, ok := msg.Op.(*proto.SearchResultEntry)
		require.True(t, ok)
		msg = receive(t, conn)
		doneOp := msg.Op.(*proto.SearchResultDone)
		assert.Equal(t, proto.ResultSuccess, doneOp.Code)
	})
}

func tenantIsolatedConfig() config.Directory {
	cfg := testDirectoryConfig()
	cfg.TenantIsolation = true
	return cfg
}

func testTenantStore() identity.Store {
	return identity.NewConfigStore(
		[]config.User{
			{Name: "alice", Tenant: "acme", Mail: "alice@acme.io", PassSHA256: sha256Hex("wonderland")},
			{Name: "mallory", Tenant: "globex", Mail: "mallory@globex.io", PassSHA256: sha256Hex("m4ll0ry")},
		},
		[]config.Group{{Name: "engineering", Tenant: "acme"}},
	)
}

func TestTenantBindRequiresOwnSubtreeDN(t *testing.T) {
	conn, _ := startSessionWith(t, tenantIsolatedConfig(), testTenantStore())

	// the tenantless DN shape must not authenticate a tenant-owned user
	assert.Equal(t, proto.ResultInvalidCredentials,
		bind(t, conn, 1, "uid=alice,ou=Users,dc=oluso,dc=local", "wonderland"))

	// nor does another tenant's subtree
	assert.Equal(t, proto.ResultInvalidCredentials,
		bind(t, conn, 2, "uid=alice,ou=Users,ou=globex,dc=oluso,dc=local", "wonderland"))

	assert.Equal(t, proto.ResultSuccess,
		bind(t, conn, 3, "uid=alice,ou=Users,ou=acme,dc=oluso,dc=local", "wonderland"))
}

func TestTenantSessionCannotCrossSubtrees(t *testing.T) {
	conn, _ := startSessionWith(t, tenantIsolatedConfig(), testTenantStore())

	require.Equal(t, proto.ResultSuccess,
		bind(t, conn, 1, "uid=alice,ou=Users,ou=acme,dc=oluso,dc=local", "wonderland"))

	// another tenant's subtree does not exist for this session
	send(t, conn, 2, &proto.SearchRequest{
		BaseDN: "ou=Users,ou=globex,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "objectClass"},
	})
	msg := receive(t, conn)
	doneOp, ok := msg.Op.(*proto.SearchResultDone)
	require.True(t, ok, "expected zero entries before the done PDU")
	assert.Equal(t, proto.ResultNoSuchObject, doneOp.Code)

	// a whole-tree search does not leak the other tenant's records either
	send(t, conn, 3, &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Equality{Attribute: "mail", Value: "mallory@globex.io"},
	})
	msg = receive(t, conn)
	doneOp, ok = msg.Op.(*proto.SearchResultDone)
	require.True(t, ok, "expected zero entries before the done PDU")
	assert.Equal(t, proto.ResultSuccess, doneOp.Code)

	// the session's own subtree keeps working
	send(t, conn, 4, &proto.SearchRequest{
		BaseDN: "ou=Users,ou=acme,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Equality{Attribute: "mail", Value: "alice@acme.io"},
	})
	msg = receive(t, conn)
	entry, ok := msg.Op.(*proto.SearchResultEntry)
	require.True(t, ok)
	assert.Equal(t, "uid=alice,ou=users,ou=acme,dc=oluso,dc=local", entry.DN)
	msg = receive(t, conn)
	assert.Equal(t, proto.ResultSuccess, msg.Op.(*proto.SearchResultDone).Code)
}

func TestAnonymousBindRejectedUnderTenantIsolation(t *testing.T) {
	cfg := tenantIsolatedConfig()
	cfg.AllowAnonymousBind = true
	conn, _ := startSessionWith(t, cfg, testTenantStore())

	// anonymous sessions have no tenant, so isolation leaves them nothing
	assert.Equal(t, proto.ResultInvalidCredentials, bind(t, conn, 1, "", ""))
}

func TestUnauthenticatedBindIsRejected(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	// a name without a password must not be treated as anonymous
	assert.Equal(t, proto.ResultInvalidCredentials,
		bind(t, conn, 1, "cn=admin,dc=oluso,dc=local", ""))
}

func TestAbandonClosesSilently(t *testing.T) {
	conn, done := startSession(t, testDirectoryConfig())

	require.Equal(t, proto.ResultSuccess, bind(t, conn, 1, "cn=admin,dc=oluso,dc=local", "s3cret"))

	send(t, conn, 2, &proto.AbandonRequest{MessageID: 1})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close after abandon")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := proto.ReadMessage(conn)
	assert.Equal(t, io.EOF, err)
}

func TestUnknownExtendedOperation(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	// the whoami extended operation is not implemented
	send(t, conn, 1, &proto.ExtendedRequest{Name: "1.3.6.1.4.1.4203.1.11.3"})
	msg := receive(t, conn)
	resp, ok := msg.Op.(*proto.ExtendedResponse)
	require.True(t, ok)
	assert.Equal(t, proto.ResultUnavailableCriticalExtension, resp.Code)
}

func TestStartTLSWithoutCertificate(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig())

	send(t, conn, 1, &proto.ExtendedRequest{Name: proto.StartTLSOID})
	msg := receive(t, conn)
	resp := msg.Op.(*proto.ExtendedResponse)
	assert.Equal(t, proto.ResultUnavailable, resp.Code)
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	conn, done := startSession(t, testDirectoryConfig())

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := conn.Write([]byte{0x30, 0x81})
	require.NoError(t, err)
	conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should drop a malformed frame")
	}
}

func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ldap.oluso.local"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"ldap.oluso.local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func TestStartTLSUpgrade(t *testing.T) {
	conn, _ := startSession(t, testDirectoryConfig(), StartTLSConfig(selfSignedTLSConfig(t)))

	send(t, conn, 1, &proto.ExtendedRequest{Name: proto.StartTLSOID})
	msg := receive(t, conn)
	resp := msg.Op.(*proto.ExtendedResponse)
	require.Equal(t, proto.ResultSuccess, resp.Code)
	require.Equal(t, proto.StartTLSOID, resp.Name)

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	tlsConn.SetDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, tlsConn.Handshake())
	tlsConn.SetDeadline(time.Time{})

	// the session keeps working over the upgraded transport
	send(t, tlsConn, 2, &proto.BindRequest{Version: 3, Name: "cn=admin,dc=oluso,dc=local", Password: "s3cret"})
	bindMsg := receive(t, tlsConn)
	require.Equal(t, proto.ResultSuccess, bindMsg.Op.(*proto.BindResponse).Code)

	// a second upgrade on an encrypted session is refused
	send(t, tlsConn, 3, &proto.ExtendedRequest{Name: proto.StartTLSOID})
	again := receive(t, tlsConn)
	assert.Equal(t, proto.ResultUnavailableCriticalExtension, again.Op.(*proto.ExtendedResponse).Code)
}

func TestStartTLSRefusedOnImplicitTLS(t *testing.T) {
	// the session believes it is already on an encrypted listener
	conn, _ := startSession(t, testDirectoryConfig(),
		StartTLSConfig(selfSignedTLSConfig(t)), ImplicitTLS(true))

	send(t, conn, 1, &proto.ExtendedRequest{Name: proto.StartTLSOID})
	msg := receive(t, conn)
	resp := msg.Op.(*proto.ExtendedResponse)
	assert.Equal(t, proto.ResultUnavailableCriticalExtension, resp.Code)
}
