package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/oluso/ldapbridge/pkg/config"
	"github.com/oluso/ldapbridge/pkg/pool"
)

// UpstreamStore serves identities out of an external LDAP/AD directory
// through the outbound connection pool. The upstream directory is a single
// namespace; the tenant argument is ignored.
type UpstreamStore struct {
	pool *pool.Pool
	cfg  *config.Pool
	log  *zerolog.Logger
}

func NewUpstreamStore(p *pool.Pool, cfg *config.Pool, logger *zerolog.Logger) *UpstreamStore {
	return &UpstreamStore{pool: p, cfg: cfg, log: logger}
}

func (s *UpstreamStore) attr(field, fallback string) string {
	if mapped, ok := s.cfg.AttributeMap[field]; ok && mapped != "" {
		return mapped
	}
	return fallback
}

func (s *UpstreamStore) userFromEntry(entry *ldap.Entry) User {
	u := User{
		Name:      entry.GetAttributeValue(s.attr("name", "uid")),
		Mail:      entry.GetAttributeValue(s.attr("mail", "mail")),
		GivenName: entry.GetAttributeValue(s.attr("givenname", "givenName")),
		SN:        entry.GetAttributeValue(s.attr("surname", "sn")),
	}
	if v := entry.GetAttributeValue(s.attr("uidnumber", "uidNumber")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			u.UIDNumber = n
		}
	}
	for _, memberOf := range entry.GetAttributeValues(s.attr("groups", "memberOf")) {
		// first RDN value is the group name
		rdn := strings.SplitN(memberOf, ",", 2)[0]
		if idx := strings.Index(rdn, "="); idx > 0 {
			u.Groups = append(u.Groups, rdn[idx+1:])
		}
	}
	return u
}

func (s *UpstreamStore) userAttributes() []string {
	return []string{
		s.attr("name", "uid"),
		s.attr("mail", "mail"),
		s.attr("givenname", "givenName"),
		s.attr("surname", "sn"),
		s.attr("uidnumber", "uidNumber"),
		s.attr("groups", "memberOf"),
	}
}

func (s *UpstreamStore) searchTimeout() int {
	if s.cfg.SearchTimeoutSeconds > 0 {
		return s.cfg.SearchTimeoutSeconds
	}
	return 10
}

func (s *UpstreamStore) search(ctx context.Context, filter string, sizeLimit int) ([]*ldap.Entry, error) {
	var entries []*ldap.Entry
	err := s.pool.WithConn(ctx, func(c pool.Client) error {
		if err := c.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
			return err
		}
		res, err := c.Search(ldap.NewSearchRequest(
			s.cfg.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, sizeLimit, s.searchTimeout(), false,
			filter,
			s.userAttributes(),
			nil,
		))
		if err != nil {
			return err
		}
		entries = res.Entries
		return nil
	})
	return entries, err
}

func (s *UpstreamStore) FindUser(ctx context.Context, tenant, name string) (User, bool, error) {
	template := s.cfg.UserFilter
	if template == "" {
		template = "(uid=%s)"
	}
	filter := strings.ReplaceAll(template, "%s", ldap.EscapeFilter(name))
	entries, err := s.search(ctx, filter, 2)
	if err != nil {
		return User{}, false, err
	}
	if len(entries) != 1 {
		return User{}, false, nil
	}
	return s.userFromEntry(entries[0]), true, nil
}

func (s *UpstreamStore) FindGroup(ctx context.Context, tenant, name string) (Group, bool, error) {
	groups, err := s.Groups(ctx, tenant)
	if err != nil {
		return Group{}, false, err
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, name) {
			return g, true, nil
		}
	}
	return Group{}, false, nil
}

func (s *UpstreamStore) Users(ctx context.Context, tenant string) ([]User, error) {
	template := s.cfg.UserFilter
	if template == "" {
		template = "(uid=%s)"
	}
	filter := strings.ReplaceAll(template, "%s", "*")
	entries, err := s.search(ctx, filter, 0)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(entries))
	for _, entry := range entries {
		users = append(users, s.userFromEntry(entry))
	}
	return users, nil
}

func (s *UpstreamStore) Groups(ctx context.Context, tenant string) ([]Group, error) {
	filter := s.cfg.GroupFilter
	if filter == "" {
		filter = "(|(objectClass=groupOfNames)(objectClass=group))"
	}

	var groups []Group
	err := s.pool.WithConn(ctx, func(c pool.Client) error {
		if err := c.Bind(s.cfg.BindDN, s.cfg.BindPassword); err != nil {
			return err
		}
		res, err := c.Search(ldap.NewSearchRequest(
			s.cfg.BaseDN,
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, s.searchTimeout(), false,
			filter,
			[]string{"cn", "gidNumber"},
			nil,
		))
		if err != nil {
			return err
		}
		for _, entry := range res.Entries {
			g := Group{Name: entry.GetAttributeValue("cn")}
			if v := entry.GetAttributeValue("gidNumber"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					g.GIDNumber = n
				}
			}
			groups = append(groups, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *UpstreamStore) CheckPassword(ctx context.Context, tenant, name, password string) error {
	_, err := s.pool.Authenticate(ctx, name, password)
	if errors.Is(err, pool.ErrInvalidCredentials) {
		return ErrInvalidCredentials
	}
	return err
}
