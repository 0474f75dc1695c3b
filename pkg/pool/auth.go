package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/oluso/ldapbridge/pkg/stats"
)

// WithConn borrows one connection for the duration of fn. A transport
// failure inside fn triggers exactly one reconnect on a fresh transport
// before the error surfaces as ErrDirectoryUnavailable.
func (p *Pool) WithConn(ctx context.Context, fn func(Client) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	err = fn(pc.client)
	if isTransportError(err) {
		pc.setHealth(Suspect)
		fresh, dialErr := p.dial(ctx)
		if dialErr != nil {
			p.Release(pc, err)
			return errTagged(ErrDirectoryUnavailable, err)
		}
		pc.client.Close()
		pc.client = fresh
		pc.setHealth(Healthy)
		err = fn(pc.client)
		if isTransportError(err) {
			p.Release(pc, err)
			return errTagged(ErrDirectoryUnavailable, err)
		}
	}

	p.Release(pc, err)
	return err
}

// Authenticate verifies one user's credentials against the upstream
// directory on a single borrowed connection: bind as the service account,
// search the user's DN, bind as the user, rebind the service account.
// Nothing is cached across borrows. Returns the resolved user DN.
func (p *Pool) Authenticate(ctx context.Context, username, password string) (string, error) {
	// an empty password would turn into an unauthenticated bind upstream
	if password == "" {
		return "", errTagged(ErrInvalidCredentials, fmt.Errorf("empty password"))
	}

	var userDN string
	err := p.WithConn(ctx, func(c Client) error {
		if err := c.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			if isTransportError(err) {
				return err
			}
			return fmt.Errorf("service bind rejected: %w", err)
		}

		res, err := c.Search(p.userSearchRequest(username))
		if err != nil {
			return err
		}
		if len(res.Entries) != 1 {
			stats.Backend.Add("auth_user_not_found", 1)
			return errTagged(ErrInvalidCredentials, fmt.Errorf("user search matched %d entries", len(res.Entries)))
		}
		userDN = res.Entries[0].DN

		bindErr := c.Bind(userDN, password)
		if isTransportError(bindErr) {
			return bindErr
		}

		// restore the service identity before the connection goes back
		if rebindErr := c.Bind(p.cfg.BindDN, p.cfg.BindPassword); rebindErr != nil && bindErr == nil {
			bindErr = rebindErr
		}

		if bindErr != nil {
			if ldap.IsErrorWithCode(bindErr, ldap.LDAPResultInvalidCredentials) {
				stats.Backend.Add("auth_failures", 1)
				return errTagged(ErrInvalidCredentials, bindErr)
			}
			return bindErr
		}
		stats.Backend.Add("auth_successes", 1)
		return nil
	})
	if err != nil {
		return "", err
	}
	return userDN, nil
}

func (p *Pool) userSearchRequest(username string) *ldap.SearchRequest {
	template := p.cfg.UserFilter
	if template == "" {
		template = "(uid=%s)"
	}
	filter := strings.ReplaceAll(template, "%s", ldap.EscapeFilter(username))

	timeout := p.cfg.SearchTimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}

	return ldap.NewSearchRequest(
		p.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, timeout, false,
		filter,
		[]string{"dn"},
		nil,
	)
}
