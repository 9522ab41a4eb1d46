package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type levelStat struct {
	warns  int64
	errors int64
}

var (
	components sync.Map // map[string]*levelStat
	markets    sync.Map // map[string]*levelStat
	severities sync.Map // map[string]*int64, last severity per market
)

func statFor(m *sync.Map, name string) *levelStat {
	v, _ := m.LoadOrStore(name, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component, market string) {
	if component != "" {
		atomic.AddInt64(&statFor(&components, component).warns, 1)
	}
	if market != "" {
		atomic.AddInt64(&statFor(&markets, market).warns, 1)
	}
}

func recordError(component, market string) {
	if component != "" {
		atomic.AddInt64(&statFor(&components, component).errors, 1)
	}
	if market != "" {
		atomic.AddInt64(&statFor(&markets, market).errors, 1)
	}
}

// RecordSeverity stores the latest severity code seen for a market so the
// runtime report can show it next to the error counters.
func RecordSeverity(market string, code int) {
	v, _ := severities.LoadOrStore(market, new(int64))
	atomic.StoreInt64(v.(*int64), int64(code))
}

// StartReport logs process load and the warn/error tallies per component
// and per market every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func snapshot(m *sync.Map) map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	m.Range(func(k, v any) bool {
		st := v.(*levelStat)
		out[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&st.warns),
			"errors": atomic.LoadInt64(&st.errors),
		}
		return true
	})
	return out
}

func reportFields() Fields {
	severityData := map[string]int64{}
	severities.Range(func(k, v any) bool {
		severityData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	return Fields{
		"goroutines": runtime.NumGoroutine(),
		"components": snapshot(&components),
		"markets":    snapshot(&markets),
		"severity":   severityData,
	}
}

func logReport(log *Log) {
	fields := reportFields()

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(memStats.Used) / 1024 / 1024
	}
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		fields["net_bytes_sent"] = int64(netStats[0].BytesSent)
		fields["net_bytes_recv"] = int64(netStats[0].BytesRecv)
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
