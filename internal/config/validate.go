package config

import (
	"fmt"

	"github.com/fenglingyubing/expandscreen/internal/logging"
)

var log = logging.L("config")

// ValidationResult separates fatal errors (which block startup) from
// warnings (which are logged while the offending field is clamped).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the config for invalid values. Structurally
// nonsensical values (a port of 0, min > max) are fatal since the session
// layer has no safe behavior to fall back to. Everything else is clamped
// to the nearest sane bound and reported as a warning.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ListenTCPPort == 0 {
		r.fatal("listen_tcp_port must be nonzero")
	}
	if c.ListenUDPPort == 0 {
		r.fatal("listen_udp_port must be nonzero")
	}

	if c.HeartbeatIntervalMs < 100 {
		r.warn("heartbeat_interval_ms %d is below minimum 100, clamping", c.HeartbeatIntervalMs)
		c.HeartbeatIntervalMs = 100
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		r.fatal("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)", c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.HandshakeTimeoutMs < 100 {
		r.warn("handshake_timeout_ms %d is below minimum 100, clamping", c.HandshakeTimeoutMs)
		c.HandshakeTimeoutMs = 100
	}
	if c.ConnectTimeoutMs < 100 {
		r.warn("connect_timeout_ms %d is below minimum 100, clamping", c.ConnectTimeoutMs)
		c.ConnectTimeoutMs = 100
	}

	if c.MaxPayloadBytes <= 0 {
		r.fatal("max_payload_bytes must be positive")
	}

	if c.SchedulerCriticalCapacity < 1 {
		r.warn("scheduler_critical_capacity %d is below minimum 1, clamping", c.SchedulerCriticalCapacity)
		c.SchedulerCriticalCapacity = 1
	}
	if c.SchedulerMediaCapacity < 1 {
		r.warn("scheduler_media_capacity %d is below minimum 1, clamping", c.SchedulerMediaCapacity)
		c.SchedulerMediaCapacity = 1
	}
	if c.SchedulerCriticalByteBudget < 1 {
		r.fatal("scheduler_critical_byte_budget must be positive")
	}
	if c.SchedulerMediaByteBudget < 1 {
		r.fatal("scheduler_media_byte_budget must be positive")
	}

	if c.AbrMinBps <= 0 || c.AbrMaxBps <= 0 {
		r.fatal("abr_min_bps and abr_max_bps must be positive")
	} else if c.AbrMinBps > c.AbrMaxBps {
		r.fatal("abr_min_bps (%d) must not exceed abr_max_bps (%d)", c.AbrMinBps, c.AbrMaxBps)
	}

	if c.FecEnabled {
		if c.FecDataShards < 1 || c.FecDataShards > 64 {
			r.warn("fec_data_shards %d out of range [1,64], clamping", c.FecDataShards)
			c.FecDataShards = clamp(c.FecDataShards, 1, 64)
		}
		if c.FecParityShards < 0 || c.FecParityShards > 32 {
			r.warn("fec_parity_shards %d out of range [0,32], clamping", c.FecParityShards)
			c.FecParityShards = clamp(c.FecParityShards, 0, 32)
		}
	}
	if c.FecWindowGroups < 1 {
		r.warn("fec_window_groups %d is below minimum 1, clamping", c.FecWindowGroups)
		c.FecWindowGroups = 1
	}

	if c.DiscoveryDeadlineMs < 50 {
		r.warn("discovery_deadline_ms %d is below minimum 50, clamping", c.DiscoveryDeadlineMs)
		c.DiscoveryDeadlineMs = 50
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		r.warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
		c.LogLevel = "info"
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		r.warn("log_format %q is not valid (use text or json)", c.LogFormat)
		c.LogFormat = "text"
	}

	return r
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
