package supervisor

import (
	"strconv"
	"time"
)

// Stats is a point-in-time view of the relay for dashboards and the API.
type Stats struct {
	Mode          string `json:"mode"`
	Remote        string `json:"remote"`
	TCPListen     string `json:"tcp_listen,omitempty"`
	UDPListen     string `json:"udp_listen,omitempty"`
	Ready         bool   `json:"ready"`
	TCPActive     int64  `json:"tcp_active"`
	UDPSessions   int64  `json:"udp_sessions"`
	UDPCapacity   int    `json:"udp_capacity"`
	TCPTotal      int64  `json:"tcp_total"`
	UDPTotal      int64  `json:"udp_total"`
	DialFailures  int64  `json:"dial_failures"`
	Dropped       int64  `json:"dropped"`
	Evictions     int64  `json:"evictions"`
	BytesIn       int64  `json:"bytes_in"`
	BytesOut      int64  `json:"bytes_out"`
	LimitSources  int    `json:"rate_limit_sources"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Now           string `json:"now"`
}

func (s *Supervisor) Stats() Stats {
	tcpAddr, udpAddr := s.Addrs()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	st := Stats{
		Mode:         modeName(s.cfg.Mode),
		Remote:       s.cfg.RemoteAddr(),
		Ready:        s.Ready(),
		TCPTotal:     s.totals.tcpSessions.Load(),
		UDPTotal:     s.totals.udpSessions.Load(),
		DialFailures: s.totals.dialFailed.Load(),
		Dropped:      s.totals.dropped.Load(),
		Evictions:    s.totals.evicted.Load(),
		BytesIn:      s.totals.bytesIn.Load(),
		BytesOut:     s.totals.bytesOut.Load(),
		LimitSources: s.limiter.Sources(),
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
	if tcpAddr != nil {
		st.TCPListen = tcpAddr.String()
	}
	if udpAddr != nil {
		st.UDPListen = udpAddr.String()
	}
	if s.tcp != nil {
		st.TCPActive = s.tcp.Active()
	}
	if s.udp != nil {
		st.UDPSessions = s.udp.Sessions()
		st.UDPCapacity = s.cfg.MaxSessions
	}
	if !started.IsZero() {
		st.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (st Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Mode":         st.Mode,
		"Remote":       st.Remote,
		"TCPListen":    st.TCPListen,
		"UDPListen":    st.UDPListen,
		"Ready":        st.Ready,
		"TCPActive":    st.TCPActive,
		"UDPSessions":  st.UDPSessions,
		"UDPCapacity":  st.UDPCapacity,
		"TCPTotal":     st.TCPTotal,
		"UDPTotal":     st.UDPTotal,
		"DialFailures": st.DialFailures,
		"Dropped":      st.Dropped,
		"Evictions":    st.Evictions,
		"BytesIn":      st.BytesIn,
		"BytesOut":     st.BytesOut,
		"Uptime":       (time.Duration(st.UptimeSeconds) * time.Second).String(),
		"Now":          st.Now,
	}
}

// Map flattens the counters for the Redis stats hash.
func (st Stats) Map() map[string]any {
	return map[string]any{
		"mode":          st.Mode,
		"remote":        st.Remote,
		"ready":         strconv.FormatBool(st.Ready),
		"tcp_active":    st.TCPActive,
		"udp_sessions":  st.UDPSessions,
		"tcp_total":     st.TCPTotal,
		"udp_total":     st.UDPTotal,
		"dial_failures": st.DialFailures,
		"dropped":       st.Dropped,
		"evictions":     st.Evictions,
		"bytes_in":      st.BytesIn,
		"bytes_out":     st.BytesOut,
	}
}
