package stats

import (
	"expvar"
)

// exposed expvar variables
var (
	Frontend = expvar.NewMap("ldap_frontend")
	Backend  = expvar.NewMap("ldap_backend")
	General  = expvar.NewMap("ldapbridge")
)

// Stringer lets plain strings satisfy expvar.Var.
type Stringer string

func (s Stringer) String() string {
	return "\"" + string(s) + "\""
}
