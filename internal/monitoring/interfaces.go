package monitoring

type MonitorInterface interface {
	SetResponseTimeMetric(map[string]string, float64) error
	SetLDAPMetric(map[string]string, float64) error
}

// ServerStats is a point-in-time snapshot of the LDAP listeners.
type ServerStats struct {
	ActiveConns int64
	TotalConns  int64
	Rejected    int64
}

type LDAPServerInterface interface {
	GetStats() ServerStats
}
