package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/oluso/ldapbridge/pkg/config"
)

// ConfigStore serves identities declared in the config file. Records are
// copied at construction time; a reloaded config builds a fresh store.
type ConfigStore struct {
	users  []configUser
	groups []Group
}

type configUser struct {
	User
	passSHA256 string
	passBcrypt string
	otpSecret  string
}

func NewConfigStore(users []config.User, groups []config.Group) *ConfigStore {
	s := new(ConfigStore)
	for _, u := range users {
		s.users = append(s.users, configUser{
			User: User{
				Name:        u.Name,
				Tenant:      u.Tenant,
				UIDNumber:   u.UIDNumber,
				Mail:        u.Mail,
				GivenName:   u.GivenName,
				SN:          u.SN,
				LoginShell:  u.LoginShell,
				Homedir:     u.Homedir,
				Groups:      u.Groups,
				Disabled:    u.Disabled,
				CustomAttrs: u.CustomAttrs,
			},
			passSHA256: u.PassSHA256,
			passBcrypt: u.PassBcrypt,
			otpSecret:  u.OTPSecret,
		})
	}
	for _, g := range groups {
		s.groups = append(s.groups, Group{Name: g.Name, Tenant: g.Tenant, GIDNumber: g.GIDNumber})
	}
	return s
}

func (s *ConfigStore) FindUser(ctx context.Context, tenant, name string) (User, bool, error) {
	for _, u := range s.users {
		if strings.EqualFold(u.Name, name) && matchTenant(tenant, u.Tenant) {
			return u.User, true, nil
		}
	}
	return User{}, false, nil
}

func (s *ConfigStore) FindGroup(ctx context.Context, tenant, name string) (Group, bool, error) {
	for _, g := range s.groups {
		if strings.EqualFold(g.Name, name) && matchTenant(tenant, g.Tenant) {
			return g, true, nil
		}
	}
	return Group{}, false, nil
}

func (s *ConfigStore) Users(ctx context.Context, tenant string) ([]User, error) {
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if matchTenant(tenant, u.Tenant) {
			users = append(users, u.User)
		}
	}
	return users, nil
}

func (s *ConfigStore) Groups(ctx context.Context, tenant string) ([]Group, error) {
	groups := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		if matchTenant(tenant, g.Tenant) {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func (s *ConfigStore) CheckPassword(ctx context.Context, tenant, name, password string) error {
	for _, u := range s.users {
		// credentials verify against the record's exact tenant; the
		// empty tenant only matches tenantless records here
		if !strings.EqualFold(u.Name, name) || u.Tenant != tenant {
			continue
		}
		if u.Disabled {
			return ErrInvalidCredentials
		}

		// With a TOTP secret configured, the one-time code rides as the
		// last six characters of the presented password.
		if u.otpSecret != "" {
			if len(password) <= 6 {
				return ErrInvalidCredentials
			}
			code := password[len(password)-6:]
			password = password[:len(password)-6]
			if !totp.Validate(code, u.otpSecret) {
				return ErrInvalidCredentials
			}
		}

		if u.passBcrypt != "" {
			decoded, err := hex.DecodeString(u.passBcrypt)
			if err != nil {
				return ErrInvalidCredentials
			}
			if bcrypt.CompareHashAndPassword(decoded, []byte(password)) != nil {
				return ErrInvalidCredentials
			}
			return nil
		}
		if u.passSHA256 != "" {
			hash := sha256.New()
			hash.Write([]byte(password))
			if u.passSHA256 != hex.EncodeToString(hash.Sum(nil)) {
				return ErrInvalidCredentials
			}
			return nil
		}
		return ErrInvalidCredentials
	}
	return ErrInvalidCredentials
}
