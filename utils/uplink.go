package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"

	"github.com/usenocturne/envsensed/metrics"
)

const defaultFailThreshold = 3

var errLinkDown = errors.New("interface down")

type UplinkConfig struct {
	Host       string
	Interface  string
	Interval   time.Duration
	Count      int
	Timeout    time.Duration
	Privileged bool
	// FailThreshold consecutive failed probes mark the uplink offline.
	FailThreshold int
}

type UplinkStatus struct {
	Online    bool          `json:"online"`
	Host      string        `json:"host"`
	AvgRTT    time.Duration `json:"avg_rtt"`
	LastCheck time.Time     `json:"last_check"`
	Error     string        `json:"error,omitempty"`
}

// Uplink periodically checks that the broker host is reachable over ICMP.
type Uplink struct {
	cfg UplinkConfig
	log zerolog.Logger

	// OnChange is called when the online flag flips.
	OnChange func(UplinkStatus)

	probe func(ctx context.Context) (time.Duration, error)

	mu       sync.RWMutex
	status   UplinkStatus
	failures int
	checked  bool
}

func NewUplink(cfg UplinkConfig) *Uplink {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = defaultFailThreshold
	}
	u := &Uplink{
		cfg:    cfg,
		log:    log.With().Str("component", "uplink").Str("host", cfg.Host).Logger(),
		status: UplinkStatus{Host: cfg.Host},
	}
	u.probe = u.ping
	return u
}

func (u *Uplink) Status() UplinkStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status
}

func (u *Uplink) Run(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	u.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.check(ctx)
		}
	}
}

func (u *Uplink) check(ctx context.Context) {
	rtt, err := u.probe(ctx)

	u.mu.Lock()
	prev := u.status.Online
	first := !u.checked
	u.checked = true
	u.status.LastCheck = time.Now()
	if err == nil {
		u.failures = 0
		u.status.Online = true
		u.status.AvgRTT = rtt
		u.status.Error = ""
	} else {
		u.failures++
		u.status.Error = err.Error()
		if u.failures >= u.cfg.FailThreshold || first {
			u.status.Online = false
			u.status.AvgRTT = 0
		}
	}
	st := u.status
	u.mu.Unlock()

	if st.Online {
		metrics.UplinkUp.Set(1)
		metrics.UplinkRTT.Set(st.AvgRTT.Seconds())
	} else {
		metrics.UplinkUp.Set(0)
	}

	if first || prev != st.Online {
		u.log.Info().Bool("online", st.Online).Dur("rtt", st.AvgRTT).Str("error", st.Error).Msg("uplink status changed")
		if u.OnChange != nil {
			u.OnChange(st)
		}
	}
}

func (u *Uplink) ping(ctx context.Context) (time.Duration, error) {
	if u.cfg.Interface != "" {
		if err := linkUp(u.cfg.Interface); err != nil {
			return 0, err
		}
	}

	pinger, err := ping.NewPinger(u.cfg.Host)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = u.cfg.Count
	pinger.Timeout = u.cfg.Timeout
	pinger.Interval = 200 * time.Millisecond
	pinger.SetPrivileged(u.cfg.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, fmt.Errorf("ping %s: %w", u.cfg.Host, err)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("ping %s: no replies", u.cfg.Host)
	}
	return stats.AvgRtt, nil
}

func linkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("%s: %w", name, errLinkDown)
	}
	return nil
}
