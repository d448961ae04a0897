// Package corocfg reads the runtime's four recognized INI keys. Parsing
// itself is a thin wrapper: the CORE only cares about the values, not the
// file format, per spec.md's "out of scope beyond recognized keys".
package corocfg

import (
	"runtime"

	"gopkg.in/ini.v1"
)

// Config holds the recognized keys from spec.md section 6.
type Config struct {
	// StackSizeBytes is the informational per-coroutine stack size
	// (coroutine.stack_size, default 131072). This module's coroutines run
	// on Go-runtime-managed goroutine stacks that grow on demand, so the
	// value is not used to preallocate memory; it is preserved for the
	// external configuration surface and reported by each Coroutine's
	// StackSize.
	StackSizeBytes int

	// SchedulerThreads is the total Processor count including the main
	// thread (scheduler.threads, default = hardware concurrency).
	SchedulerThreads int

	// EpollTimeoutMs bounds how long a Processor's epoll coroutine blocks
	// in the kernel when no timer is sooner (epoll.timeout_ms, default
	// 10000).
	EpollTimeoutMs int

	// TCPNoDelay is the configured TCP_NODELAY setting (tcp.no_delay).
	// Nothing in this module applies it automatically; netconn's
	// Conn.SetTCPNoDelay sets the option per connection.
	TCPNoDelay bool
}

// Default returns the spec-mandated defaults.
func Default() Config {
	return Config{
		StackSizeBytes:   131072,
		SchedulerThreads: runtime.NumCPU(),
		EpollTimeoutMs:   10000,
		TCPNoDelay:       false,
	}
}

// Load parses path as an INI file and overlays recognized keys onto the
// defaults. Unrecognized keys and sections are ignored, matching spec.md's
// "beyond recognized keys" scoping.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := ini.Load(path)
	if err != nil {
		return cfg, err
	}

	if sec := f.Section("coroutine"); sec.HasKey("stack_size") {
		cfg.StackSizeBytes = sec.Key("stack_size").MustInt(cfg.StackSizeBytes)
	}
	if sec := f.Section("scheduler"); sec.HasKey("threads") {
		cfg.SchedulerThreads = sec.Key("threads").MustInt(cfg.SchedulerThreads)
	}
	if sec := f.Section("epoll"); sec.HasKey("timeout_ms") {
		cfg.EpollTimeoutMs = sec.Key("timeout_ms").MustInt(cfg.EpollTimeoutMs)
	}
	if sec := f.Section("tcp"); sec.HasKey("no_delay") {
		cfg.TCPNoDelay = sec.Key("no_delay").MustBool(cfg.TCPNoDelay)
	}

	if cfg.SchedulerThreads < 1 {
		cfg.SchedulerThreads = 1
	}
	return cfg, nil
}
