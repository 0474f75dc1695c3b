// Package directory projects the tenant-scoped identity store onto a fixed
// virtual DIT:
//
//	<base-dn>
//	├── ou=Users   → uid=<user>,ou=Users,<base-dn>
//	└── ou=Groups  → cn=<group>,ou=Groups,<base-dn>
//
// With tenant isolation enabled a tenant level sits between the base and the
// containers, and every lookup is scoped to the bound session's tenant.
// Entries are synthesized per request straight from the store.
package directory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/identity"
	"github.com/oluso/ldapbridge/pkg/proto"
)

// Entry is one synthesized directory entry. Attribute value order within a
// name is not significant.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

type Mapper struct {
	store           identity.Store
	baseDN          string
	organization    string
	userOU          string
	groupOU         string
	tenantOU        string
	tenantIsolation bool
	maxResults      int
	attrMap         map[string]string
	log             *zerolog.Logger
}

// Platform-field keys recognized in the attribute mapping table.
var defaultAttributeMap = map[string]string{
	"name":          "cn",
	"mail":          "mail",
	"givenname":     "givenName",
	"surname":       "sn",
	"uidnumber":     "uidNumber",
	"gidnumber":     "gidNumber",
	"loginshell":    "loginShell",
	"homedirectory": "homeDirectory",
	"groups":        "memberOf",
}

func NewMapper(cfg *config.Directory, store identity.Store, logger *zerolog.Logger) *Mapper {
	m := &Mapper{
		store:           store,
		baseDN:          NormalizeDN(cfg.BaseDN),
		organization:    cfg.Organization,
		userOU:          cfg.UserOU,
		groupOU:         cfg.GroupOU,
		tenantOU:        cfg.TenantOU,
		tenantIsolation: cfg.TenantIsolation,
		maxResults:      cfg.MaxSearchResults,
		attrMap:         make(map[string]string, len(defaultAttributeMap)),
		log:             logger,
	}
	if m.userOU == "" {
		m.userOU = "Users"
	}
	if m.groupOU == "" {
		m.groupOU = "Groups"
	}
	if m.tenantOU == "" {
		m.tenantOU = "ou"
	}
	for field, attr := range defaultAttributeMap {
		m.attrMap[field] = attr
	}
	for field, attr := range cfg.AttributeMap {
		m.attrMap[strings.ToLower(field)] = attr
	}
	return m
}

// NormalizeDN lowercases a DN and strips the optional whitespace after RDN
// separators, so comparisons are case-insensitive.
func NormalizeDN(dn string) string {
	parts := strings.Split(strings.ToLower(dn), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ",")
}

// BaseDN returns the normalized root of the tree.
func (m *Mapper) BaseDN() string {
	return m.baseDN
}

func (m *Mapper) tenantSubtreeDN(tenant string) string {
	if !m.tenantIsolation || tenant == "" {
		return m.baseDN
	}
	return NormalizeDN(fmt.Sprintf("%s=%s,%s", m.tenantOU, tenant, m.baseDN))
}

func (m *Mapper) usersContainerDN(tenant string) string {
	return NormalizeDN("ou=" + m.userOU + "," + m.tenantSubtreeDN(tenant))
}

func (m *Mapper) groupsContainerDN(tenant string) string {
	return NormalizeDN("ou=" + m.groupOU + "," + m.tenantSubtreeDN(tenant))
}

// UserDN builds the canonical DN of one user.
func (m *Mapper) UserDN(tenant, name string) string {
	return NormalizeDN("uid=" + name + "," + m.usersContainerDN(tenant))
}

// GroupDN builds the canonical DN of one group.
func (m *Mapper) GroupDN(tenant, name string) string {
	return NormalizeDN("cn=" + name + "," + m.groupsContainerDN(tenant))
}

// ResolveUserDN splits a bind DN into user name and tenant. It only accepts
// DNs of the canonical user shape; the tenant-qualified shape exists only
// when tenant isolation is enabled.
func (m *Mapper) ResolveUserDN(dn string) (name, tenant string, ok bool) {
	norm := NormalizeDN(dn)
	if !strings.HasSuffix(norm, ","+m.baseDN) {
		return "", "", false
	}
	middle := strings.TrimSuffix(norm, ","+m.baseDN)
	parts := strings.Split(middle, ",")

	usersRDN := strings.ToLower("ou=" + m.userOU)
	switch {
	case len(parts) == 2 && parts[1] == usersRDN:
		// uid=<name>,ou=Users
	case m.tenantIsolation && len(parts) == 3 && parts[1] == usersRDN && strings.HasPrefix(parts[2], strings.ToLower(m.tenantOU)+"="):
		tenant = strings.TrimPrefix(parts[2], strings.ToLower(m.tenantOU)+"=")
	default:
		return "", "", false
	}
	if !strings.HasPrefix(parts[0], "uid=") {
		return "", "", false
	}
	name = strings.TrimPrefix(parts[0], "uid=")
	if name == "" {
		return "", "", false
	}
	return name, tenant, true
}

// Search evaluates one request against the tree visible to tenant. The
// returned code is Success, SizeLimitExceeded on truncation, NoSuchObject
// when the base DN is outside the visible tree, or TimeLimitExceeded when
// ctx expired mid-enumeration.
func (m *Mapper) Search(ctx context.Context, tenant string, req *proto.SearchRequest) ([]Entry, proto.ResultCode, error) {
	base := NormalizeDN(req.BaseDN)

	candidates, err := m.tree(ctx, tenant)
	if err != nil {
		if ctx.Err() != nil {
			return nil, proto.ResultTimeLimitExceeded, nil
		}
		return nil, proto.ResultOperationsError, err
	}

	if !m.knownNode(base, candidates) {
		return nil, proto.ResultNoSuchObject, nil
	}

	var scoped []Entry
	switch req.Scope {
	case proto.ScopeBaseObject:
		for _, e := range candidates {
			if e.DN == base {
				scoped = append(scoped, e)
				break
			}
		}
		if len(scoped) == 0 {
			return nil, proto.ResultNoSuchObject, nil
		}
	case proto.ScopeSingleLevel:
		for _, e := range candidates {
			if parentDN(e.DN) == base {
				scoped = append(scoped, e)
			}
		}
	case proto.ScopeWholeSubtree:
		for _, e := range candidates {
			if e.DN == base || strings.HasSuffix(e.DN, ","+base) {
				scoped = append(scoped, e)
			}
		}
	default:
		return nil, proto.ResultProtocolError, nil
	}

	limit := m.effectiveLimit(req.SizeLimit)

	matched := make([]Entry, 0, len(scoped))
	truncated := false
	for _, e := range scoped {
		if ctx.Err() != nil {
			return matched, proto.ResultTimeLimitExceeded, nil
		}
		if req.Filter != nil && !req.Filter.Matches(e.Attributes) {
			continue
		}
		if limit > 0 && len(matched) >= limit {
			truncated = true
			break
		}
		matched = append(matched, e)
	}

	if truncated {
		return matched, proto.ResultSizeLimitExceeded, nil
	}
	return matched, proto.ResultSuccess, nil
}

func (m *Mapper) effectiveLimit(clientLimit int64) int {
	limit := m.maxResults
	if clientLimit > 0 && (limit <= 0 || int(clientLimit) < limit) {
		limit = int(clientLimit)
	}
	return limit
}

// knownNode reports whether dn names an entry or an interior node of the
// visible tree. A DN outside it, including another tenant's subtree, does
// not exist as far as this session is concerned.
func (m *Mapper) knownNode(dn string, candidates []Entry) bool {
	for _, e := range candidates {
		if e.DN == dn || strings.HasSuffix(e.DN, ","+dn) {
			return true
		}
	}
	return false
}

func parentDN(dn string) string {
	idx := strings.Index(dn, ",")
	if idx < 0 {
		return ""
	}
	return dn[idx+1:]
}

// tree synthesizes every entry visible to tenant, stable order: root,
// tenant node, containers, users, groups.
func (m *Mapper) tree(ctx context.Context, tenant string) ([]Entry, error) {
	users, err := m.store.Users(ctx, tenant)
	if err != nil {
		return nil, err
	}
	groups, err := m.store.Groups(ctx, tenant)
	if err != nil {
		return nil, err
	}

	entries := []Entry{m.rootEntry()}
	if m.tenantIsolation && tenant == "" {
		// unscoped view (service identity): every tenant subtree
		entries = append(entries,
			m.ouEntry(m.usersContainerDN(""), m.userOU),
			m.ouEntry(m.groupsContainerDN(""), m.groupOU),
		)
		for _, t := range distinctTenants(users, groups) {
			entries = append(entries, m.ouEntry(m.tenantSubtreeDN(t), t),
				m.ouEntry(m.usersContainerDN(t), m.userOU),
				m.ouEntry(m.groupsContainerDN(t), m.groupOU))
		}
	} else {
		if sub := m.tenantSubtreeDN(tenant); sub != m.baseDN {
			entries = append(entries, m.ouEntry(sub, tenant))
		}
		entries = append(entries,
			m.ouEntry(m.usersContainerDN(tenant), m.userOU),
			m.ouEntry(m.groupsContainerDN(tenant), m.groupOU),
		)
	}
	for _, u := range users {
		entries = append(entries, m.userEntry(u))
	}
	for _, g := range groups {
		entries = append(entries, m.groupEntry(g, users))
	}
	return entries, nil
}

func distinctTenants(users []identity.User, groups []identity.Group) []string {
	seen := make(map[string]bool)
	var tenants []string
	for _, u := range users {
		if u.Tenant != "" && !seen[u.Tenant] {
			seen[u.Tenant] = true
			tenants = append(tenants, u.Tenant)
		}
	}
	for _, g := range groups {
		if g.Tenant != "" && !seen[g.Tenant] {
			seen[g.Tenant] = true
			tenants = append(tenants, g.Tenant)
		}
	}
	return tenants
}

func (m *Mapper) rootEntry() Entry {
	attrs := map[string][]string{
		"objectClass": {"top", "organization"},
	}
	if m.organization != "" {
		attrs["o"] = []string{m.organization}
	}
	return Entry{DN: m.baseDN, Attributes: attrs}
}

func (m *Mapper) ouEntry(dn, name string) Entry {
	return Entry{
		DN: dn,
		Attributes: map[string][]string{
			"objectClass": {"top", "organizationalUnit"},
			"ou":          {name},
		},
	}
}

func (m *Mapper) userEntry(u identity.User) Entry {
	attrs := map[string][]string{
		"objectClass": {"top", "person", "organizationalPerson", "inetOrgPerson", "posixAccount"},
		"uid":         {u.Name},
	}
	m.project(attrs, "name", u.Name)
	m.project(attrs, "mail", u.Mail)
	m.project(attrs, "givenname", u.GivenName)
	m.project(attrs, "surname", u.SN)
	m.project(attrs, "loginshell", u.LoginShell)
	m.project(attrs, "homedirectory", u.Homedir)
	if u.UIDNumber != 0 {
		m.project(attrs, "uidnumber", strconv.Itoa(u.UIDNumber))
	}
	if attr := m.attrMap["groups"]; attr != "" && len(u.Groups) > 0 {
		memberOf := make([]string, 0, len(u.Groups))
		for _, g := range u.Groups {
			memberOf = append(memberOf, m.GroupDN(u.Tenant, g))
		}
		attrs[attr] = memberOf
	}
	for name, value := range u.CustomAttrs {
		attrs[name] = []string{fmt.Sprint(value)}
	}
	return Entry{DN: m.UserDN(u.Tenant, u.Name), Attributes: attrs}
}

func (m *Mapper) groupEntry(g identity.Group, users []identity.User) Entry {
	attrs := map[string][]string{
		"objectClass": {"top", "groupOfNames", "posixGroup"},
		"cn":          {g.Name},
	}
	if g.GIDNumber != 0 {
		m.project(attrs, "gidnumber", strconv.Itoa(g.GIDNumber))
	}
	var members []string
	for _, u := range users {
		for _, name := range u.Groups {
			if strings.EqualFold(name, g.Name) {
				members = append(members, m.UserDN(u.Tenant, u.Name))
			}
		}
	}
	if len(members) > 0 {
		attrs["member"] = members
	}
	return Entry{DN: m.GroupDN(g.Tenant, g.Name), Attributes: attrs}
}

// project stores one platform field under its mapped attribute name.
// Unmapped fields and empty values are omitted, never invented.
func (m *Mapper) project(attrs map[string][]string, field, value string) {
	if value == "" {
		return
	}
	attr, ok := m.attrMap[field]
	if !ok || attr == "" {
		return
	}
	attrs[attr] = append(attrs[attr], value)
}
