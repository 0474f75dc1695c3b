package directory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/filter"
	"github.com/oluso/ldapbridge/pkg/identity"
	"github.com/oluso/ldapbridge/pkg/proto"
)

func testStore() identity.Store {
	return identity.NewConfigStore(
		[]config.User{
			{Name: "alice", Mail: "alice@example.com", UIDNumber: 5001, Groups: []string{"engineering"}},
			{Name: "bob", Mail: "bob@example.com", UIDNumber: 5002},
		},
		[]config.Group{
			{Name: "engineering", GIDNumber: 6001},
		},
	)
}

func testMapper(cfg config.Directory, store identity.Store) *Mapper {
	if cfg.BaseDN == "" {
		cfg.BaseDN = "dc=oluso,dc=local"
	}
	logger := zerolog.Nop()
	return NewMapper(&cfg, store, &logger)
}

func dns(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.DN)
	}
	return out
}

func TestDNConstruction(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	assert.Equal(t, "uid=alice,ou=users,dc=oluso,dc=local", m.UserDN("", "alice"))
	assert.Equal(t, "cn=engineering,ou=groups,dc=oluso,dc=local", m.GroupDN("", "engineering"))
}

func TestDNConstructionWithTenantIsolation(t *testing.T) {
	m := testMapper(config.Directory{TenantIsolation: true}, testStore())

	assert.Equal(t, "uid=alice,ou=users,ou=acme,dc=oluso,dc=local", m.UserDN("acme", "alice"))
	assert.Equal(t, "cn=engineering,ou=groups,ou=acme,dc=oluso,dc=local", m.GroupDN("acme", "engineering"))
}

func TestResolveUserDN(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	name, tenant, ok := m.ResolveUserDN("uid=Alice, ou=Users, dc=Oluso, dc=Local")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Empty(t, tenant)

	for _, dn := range []string{
		"uid=alice,ou=groups,dc=oluso,dc=local",
		"uid=alice,dc=oluso,dc=local",
		"uid=alice,ou=users,dc=elsewhere,dc=local",
		"cn=alice,ou=users,dc=oluso,dc=local",
		"uid=,ou=users,dc=oluso,dc=local",
		// the tenant-qualified shape does not exist without isolation
		"uid=alice,ou=users,ou=acme,dc=oluso,dc=local",
	} {
		_, _, ok := m.ResolveUserDN(dn)
		assert.False(t, ok, dn)
	}
}

func TestResolveUserDNWithTenantIsolation(t *testing.T) {
	m := testMapper(config.Directory{TenantIsolation: true}, testStore())

	name, tenant, ok := m.ResolveUserDN("uid=alice,ou=users,ou=acme,dc=oluso,dc=local")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Equal(t, "acme", tenant)

	// the tenantless shape still parses; ownership is the caller's check
	name, tenant, ok = m.ResolveUserDN("uid=alice,ou=users,dc=oluso,dc=local")
	require.True(t, ok)
	assert.Equal(t, "alice", name)
	assert.Empty(t, tenant)
}

func TestSearchBaseObject(t *testing.T) {
	m := testMapper(config.Directory{Organization: "Oluso"}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeBaseObject,
		Filter: &filter.Present{Attribute: "objectClass"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	require.Len(t, entries, 1)
	assert.Equal(t, "dc=oluso,dc=local", entries[0].DN)
	assert.Equal(t, []string{"Oluso"}, entries[0].Attributes["o"])
}

func TestSearchSubtreeByMail(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "ou=Users,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Equality{Attribute: "mail", Value: "alice@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	require.Len(t, entries, 1)
	assert.Equal(t, "uid=alice,ou=users,dc=oluso,dc=local", entries[0].DN)
	assert.Equal(t, []string{"alice"}, entries[0].Attributes["uid"])
	assert.Equal(t, []string{"cn=engineering,ou=groups,dc=oluso,dc=local"}, entries[0].Attributes["memberOf"])
}

func TestSearchSingleLevel(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "ou=Users,dc=oluso,dc=local",
		Scope:  proto.ScopeSingleLevel,
		Filter: &filter.Present{Attribute: "uid"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	assert.Equal(t, []string{
		"uid=alice,ou=users,dc=oluso,dc=local",
		"uid=bob,ou=users,dc=oluso,dc=local",
	}, dns(entries))
}

func TestSearchUsersBeforeGroups(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Or{Operands: []filter.Filter{
			&filter.Present{Attribute: "uid"},
			&filter.Equality{Attribute: "cn", Value: "engineering"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	assert.Equal(t, []string{
		"uid=alice,ou=users,dc=oluso,dc=local",
		"uid=bob,ou=users,dc=oluso,dc=local",
		"cn=engineering,ou=groups,dc=oluso,dc=local",
	}, dns(entries))
}

func TestSearchUnknownBaseDN(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "dc=elsewhere,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "objectClass"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultNoSuchObject, code)
	assert.Empty(t, entries)
}

func TestSearchCrossTenantBaseIsInvisible(t *testing.T) {
	store := identity.NewConfigStore(
		[]config.User{
			{Name: "alice", Tenant: "acme"},
			{Name: "mallory", Tenant: "globex"},
		},
		nil,
	)
	m := testMapper(config.Directory{TenantIsolation: true}, store)

	// a session bound to acme must not even see globex's subtree
	entries, code, err := m.Search(context.Background(), "acme", &proto.SearchRequest{
		BaseDN: "ou=users,ou=globex,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "objectClass"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultNoSuchObject, code)
	assert.Empty(t, entries)

	entries, code, err = m.Search(context.Background(), "acme", &proto.SearchRequest{
		BaseDN: "ou=users,ou=acme,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "uid"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	assert.Equal(t, []string{"uid=alice,ou=users,ou=acme,dc=oluso,dc=local"}, dns(entries))
}

func TestSearchUnscopedViewSeesAllTenants(t *testing.T) {
	store := identity.NewConfigStore(
		[]config.User{
			{Name: "alice", Tenant: "acme"},
			{Name: "mallory", Tenant: "globex"},
		},
		nil,
	)
	m := testMapper(config.Directory{TenantIsolation: true}, store)

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "uid"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	assert.Equal(t, []string{
		"uid=alice,ou=users,ou=acme,dc=oluso,dc=local",
		"uid=mallory,ou=users,ou=globex,dc=oluso,dc=local",
	}, dns(entries))
}

func TestSearchSizeLimit(t *testing.T) {
	users := []config.User{}
	for _, name := range []string{"u1", "u2", "u3", "u4", "u5"} {
		users = append(users, config.User{Name: name})
	}
	store := identity.NewConfigStore(users, nil)

	t.Run("server cap truncates", func(t *testing.T) {
		m := testMapper(config.Directory{MaxSearchResults: 3}, store)
		entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
			BaseDN: "ou=users,dc=oluso,dc=local",
			Scope:  proto.ScopeWholeSubtree,
			Filter: &filter.Present{Attribute: "uid"},
		})
		require.NoError(t, err)
		assert.Equal(t, proto.ResultSizeLimitExceeded, code)
		assert.Len(t, entries, 3)
	})

	t.Run("client limit below the cap wins", func(t *testing.T) {
		m := testMapper(config.Directory{MaxSearchResults: 3}, store)
		entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
			BaseDN:    "ou=users,dc=oluso,dc=local",
			Scope:     proto.ScopeWholeSubtree,
			SizeLimit: 2,
			Filter:    &filter.Present{Attribute: "uid"},
		})
		require.NoError(t, err)
		assert.Equal(t, proto.ResultSizeLimitExceeded, code)
		assert.Len(t, entries, 2)
	})

	t.Run("results under the limit succeed", func(t *testing.T) {
		m := testMapper(config.Directory{MaxSearchResults: 10}, store)
		entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
			BaseDN: "ou=users,dc=oluso,dc=local",
			Scope:  proto.ScopeWholeSubtree,
			Filter: &filter.Present{Attribute: "uid"},
		})
		require.NoError(t, err)
		assert.Equal(t, proto.ResultSuccess, code)
		assert.Len(t, entries, 5)
	})
}

func TestSearchExpiredContext(t *testing.T) {
	m := testMapper(config.Directory{}, testStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, code, err := m.Search(ctx, "", &proto.SearchRequest{
		BaseDN: "dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Present{Attribute: "objectClass"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultTimeLimitExceeded, code)
}

func TestAttributeMapOverride(t *testing.T) {
	m := testMapper(config.Directory{
		AttributeMap: map[string]string{"mail": "emailAddress", "groups": ""},
	}, testStore())

	entries, code, err := m.Search(context.Background(), "", &proto.SearchRequest{
		BaseDN: "ou=users,dc=oluso,dc=local",
		Scope:  proto.ScopeWholeSubtree,
		Filter: &filter.Equality{Attribute: "uid", Value: "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, proto.ResultSuccess, code)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"alice@example.com"}, entries[0].Attributes["emailAddress"])
	assert.NotContains(t, entries[0].Attributes, "mail")
	assert.NotContains(t, entries[0].Attributes, "memberOf")
}
