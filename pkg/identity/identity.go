// Package identity abstracts the platform's user/group lookup service. The
// directory mapper and the session bind path only ever talk to a Store;
// implementations exist for config-declared records and for an upstream
// LDAP directory.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredentials is returned by credential checks when the password
// does not verify. Infrastructure failures are reported as distinct errors.
var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	Name        string
	Tenant      string
	UIDNumber   int
	Mail        string
	GivenName   string
	SN          string
	LoginShell  string
	Homedir     string
	Groups      []string
	Disabled    bool
	CustomAttrs map[string]interface{}
}

type Group struct {
	Name      string
	Tenant    string
	GIDNumber int
}

// Store is a read-only, thread-safe view of one identity source. The tenant
// argument scopes every call; for lookups the empty tenant matches all
// records.
type Store interface {
	FindUser(ctx context.Context, tenant, name string) (User, bool, error)
	FindGroup(ctx context.Context, tenant, name string) (Group, bool, error)
	Users(ctx context.Context, tenant string) ([]User, error)
	Groups(ctx context.Context, tenant string) ([]Group, error)
	// CheckPassword verifies a user's credentials. ErrInvalidCredentials
	// means the password is wrong; any other error means the store could
	// not be consulted. Unlike the lookup methods, tenant must equal the
	// record's tenant exactly; the empty tenant is not a wildcard.
	CheckPassword(ctx context.Context, tenant, name, password string) error
}

func matchTenant(tenant, recordTenant string) bool {
	return tenant == "" || tenant == recordTenant
}
