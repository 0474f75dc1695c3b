package monitoring

import (
	"time"

	"github.com/rs/zerolog"
)

type LDAPMonitorWatcher struct {
	syncTicker *time.Ticker

	ldap LDAPServerInterface

	monitor MonitorInterface
	logger  *zerolog.Logger
}

func (m *LDAPMonitorWatcher) sync() {
	for {
		select {
		case tick := <-m.syncTicker.C:
			m.logger.Debug().Time("value", tick).Msg("Tick")
			m.storeMetrics()
		}
	}
}

func (m *LDAPMonitorWatcher) storeMetrics() {
	stats := m.ldap.GetStats()

	if err := m.monitor.SetLDAPMetric(map[string]string{"type": "active_conns"}, float64(stats.ActiveConns)); err != nil {
		m.logger.Error().Err(err).Msg("failed to set metric")
	}
	if err := m.monitor.SetLDAPMetric(map[string]string{"type": "total_conns"}, float64(stats.TotalConns)); err != nil {
		m.logger.Error().Err(err).Msg("failed to set metric")
	}
	if err := m.monitor.SetLDAPMetric(map[string]string{"type": "rejected_conns"}, float64(stats.Rejected)); err != nil {
		m.logger.Error().Err(err).Msg("failed to set metric")
	}
}

func NewLDAPMonitorWatcher(ldap LDAPServerInterface, monitor MonitorInterface, logger *zerolog.Logger) *LDAPMonitorWatcher {
	m := new(LDAPMonitorWatcher)

	m.syncTicker = time.NewTicker(15 * time.Second)
	m.ldap = ldap
	m.monitor = monitor
	m.logger = logger

	go m.sync()

	return m
}
