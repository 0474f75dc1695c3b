package monitoring

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeServer struct {
	stats ServerStats
}

func (f *fakeServer) GetStats() ServerStats {
	return f.stats
}

type recordingMonitor struct {
	mu    sync.Mutex
	gauge map[string]float64
}

func (r *recordingMonitor) SetResponseTimeMetric(map[string]string, float64) error {
	return nil
}

func (r *recordingMonitor) SetLDAPMetric(tags map[string]string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauge == nil {
		r.gauge = make(map[string]float64)
	}
	r.gauge[tags["type"]] = value
	return nil
}

func TestLDAPMonitorWatcherStoresMetrics(t *testing.T) {
	server := &fakeServer{stats: ServerStats{ActiveConns: 3, TotalConns: 7, Rejected: 1}}
	monitor := &recordingMonitor{}

	logger := zerolog.Nop()
	m := &LDAPMonitorWatcher{
		syncTicker: time.NewTicker(time.Hour),
		ldap:       server,
		monitor:    monitor,
		logger:     &logger,
	}
	m.storeMetrics()

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if monitor.gauge["active_conns"] != 3 {
		t.Fatalf("active_conns gauge should be 3, got %v", monitor.gauge["active_conns"])
	}
	if monitor.gauge["total_conns"] != 7 {
		t.Fatalf("total_conns gauge should be 7, got %v", monitor.gauge["total_conns"])
	}
}
