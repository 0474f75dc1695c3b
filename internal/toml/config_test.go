package toml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalListeners = `
[ldap]
  enabled = true
  listen = "0.0.0.0:389"

[ldaps]
  enabled = false

[directory]
  basedn = "dc=oluso,dc=local"
`

func TestNewConfigParsesSections(t *testing.T) {
	path := writeConfig(t, minimalListeners+`
[directory.attributemap]
  mail = "emailAddress"

[pool]
  servers = ["ldaps://ad.corp.example:636"]
  binddn = "cn=service,dc=corp,dc=example"
  bindpassword = "svc-secret"
  maxopen = 8

[backend]
  datastore = "ldap"

[[users]]
  name = "alice"
  mail = "alice@example.com"
  uidnumber = 5001
  groups = ["engineering"]

  [[users.customattributes]]
    employeeType = ["Intern"]

[[groups]]
  name = "engineering"
  gidnumber = 6001
`)

	cfg, err := NewConfig(path, map[string]interface{}{})
	require.NoError(t, err)

	assert.True(t, cfg.LDAP.Enabled)
	assert.Equal(t, "0.0.0.0:389", cfg.LDAP.Listen)
	assert.False(t, cfg.LDAPS.Enabled)

	assert.Equal(t, "dc=oluso,dc=local", cfg.Directory.BaseDN)
	assert.Equal(t, map[string]string{"mail": "emailAddress"}, cfg.Directory.AttributeMap)

	assert.Equal(t, "ldap", cfg.Backend.Datastore)
	assert.Equal(t, []string{"ldaps://ad.corp.example:636"}, cfg.Pool.Servers)
	assert.Equal(t, 8, cfg.Pool.MaxOpen)

	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "alice", cfg.Users[0].Name)
	assert.Equal(t, 5001, cfg.Users[0].UIDNumber)
	require.Contains(t, cfg.Users[0].CustomAttrs, "employeeType")

	require.Len(t, cfg.Groups, 1)
	assert.Equal(t, 6001, cfg.Groups[0].GIDNumber)
}

func TestNewConfigDefaultsBackendToConfig(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, minimalListeners), map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "config", cfg.Backend.Datastore)
}

func TestNewConfigTranslatesLegacyFrontend(t *testing.T) {
	path := writeConfig(t, `
[frontend]
  listen = "0.0.0.0:636"
  tls = true
  cert = "ldap.crt"
  key = "ldap.key"

[directory]
  basedn = "dc=oluso,dc=local"
`)

	cfg, err := NewConfig(path, map[string]interface{}{})
	require.NoError(t, err)

	assert.False(t, cfg.LDAP.Enabled)
	assert.True(t, cfg.LDAPS.Enabled)
	assert.Equal(t, "0.0.0.0:636", cfg.LDAPS.Listen)
	assert.Equal(t, "ldap.crt", cfg.LDAPS.Cert)
	assert.Equal(t, "ldap.key", cfg.LDAPS.Key)
}

func TestNewConfigRejectsMixedLegacyAndNew(t *testing.T) {
	path := writeConfig(t, `
[frontend]
  listen = "0.0.0.0:636"

[ldap]
  enabled = true
  listen = "0.0.0.0:389"

[directory]
  basedn = "dc=oluso,dc=local"
`)

	_, err := NewConfig(path, map[string]interface{}{})
	assert.Error(t, err)
}

func TestNewConfigValidation(t *testing.T) {
	cases := map[string]string{
		"ldaps without cert": `
[ldaps]
  enabled = true
  listen = "0.0.0.0:636"

[directory]
  basedn = "dc=oluso,dc=local"
`,
		"no listeners": `
[ldap]
  enabled = false

[ldaps]
  enabled = false

[directory]
  basedn = "dc=oluso,dc=local"
`,
		"missing basedn": `
[ldap]
  enabled = true
  listen = "0.0.0.0:389"

[ldaps]
  enabled = false
`,
		"unknown backend": minimalListeners + `
[backend]
  datastore = "carrier-pigeon"
`,
		"ldap backend without servers": minimalListeners + `
[backend]
  datastore = "ldap"
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, body), map[string]interface{}{})
			assert.Error(t, err)
		})
	}
}

func TestNewConfigFlagsOverrideListeners(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, minimalListeners), map[string]interface{}{
		"--ldap": "127.0.0.1:10389",
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:10389", cfg.LDAP.Listen)
}

func TestNewConfigMergesConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00-listeners.cfg"), []byte(`
[ldap]
  enabled = true
  listen = "0.0.0.0:389"

[ldaps]
  enabled = false

[directory]
  basedn = "dc=oluso,dc=local"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-users.cfg"), []byte(`
[[users]]
  name = "alice"

[[users]]
  name = "bob"
`), 0o644))

	cfg, err := NewConfig(dir, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "dc=oluso,dc=local", cfg.Directory.BaseDN)
	require.Len(t, cfg.Users, 2)
}
