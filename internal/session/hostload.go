package session

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	hostLoadSampleInterval = 5 * time.Second
	hostLoadHighWatermark  = 85.0
)

// startHostLoadMonitor samples local CPU utilization and throttles the
// adaptive bitrate ceiling when the host itself is the bottleneck. A
// saturated capture/encode host produces the same symptoms (frame drops,
// growing sync queues) that AdaptiveBitrate otherwise only reacts to via
// RTCP loss and RTT, so it never sees the cause.
func (s *Supervisor) startHostLoadMonitor(ctx context.Context) {
	ticker := time.NewTicker(hostLoadSampleInterval)
	go func() {
		defer ticker.Stop()
		throttled := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				continue
			}
			busy := percents[0]
			switch {
			case busy >= hostLoadHighWatermark && !throttled:
				throttled = true
				log.Warn("host CPU saturated, capping adaptive bitrate ceiling", "cpuPercent", busy)
				s.adaptive.SetMaxBitrate(s.cfg.AdaptiveMinBitrate * 2)
			case busy < hostLoadHighWatermark*0.8 && throttled:
				throttled = false
				log.Info("host CPU recovered, restoring adaptive bitrate ceiling", "cpuPercent", busy)
				s.adaptive.SetMaxBitrate(s.cfg.AdaptiveMaxBitrate)
			}
		}
	}()
}
