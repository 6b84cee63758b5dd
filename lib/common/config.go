package common

import (
	"fmt"
	"github.com/ValentinKolb/locktree/lib/locktree"
	"github.com/dustin/go-humanize"
	"github.com/lni/dragonboat/v4/logger"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Lock manager configuration struct
// --------------------------------------------------------------------------

// ManagerConfig holds the tunables of a locktree.Manager.
type ManagerConfig struct {
	// MaxLockMemory is the lock memory budget shared by all locktrees, in bytes
	MaxLockMemory uint64
	// LockWaitTimeMs is how long a lock request waits by default
	LockWaitTimeMs uint64

	// Logging configuration
	LogLevel string
	// LogLevels overrides LogLevel per package, e.g. "locktree=debug"
	LogLevels string
}

// DefaultManagerConfig returns the configuration of a manager created
// without options.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxLockMemory:  locktree.DefaultMaxLockMemory,
		LockWaitTimeMs: locktree.DefaultLockWaitTimeMs,
		LogLevel:       "info",
	}
}

// ParseMemorySize parses sizes like "64MiB", "512 KB" or "1048576".
func ParseMemorySize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %v", s, err)
	}
	return n, nil
}

// Validate checks the configuration for values no manager accepts.
func (c *ManagerConfig) Validate() error {
	if c.MaxLockMemory == 0 {
		return fmt.Errorf("lock memory budget must be positive")
	}
	if _, err := c.packageLogLevels(); err != nil {
		return err
	}
	return nil
}

// packageLogLevels resolves the level of every logger in LoggerNames.
func (c *ManagerConfig) packageLogLevels() (map[string]logger.LogLevel, error) {
	def, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	levels, err := ParseLogLevels(c.LogLevels)
	if err != nil {
		return nil, err
	}
	for _, name := range LoggerNames {
		if _, ok := levels[name]; !ok {
			levels[name] = def
		}
	}
	return levels, nil
}

// ToManagerOptions converts the configuration into locktree.ManagerOptions.
func (c *ManagerConfig) ToManagerOptions() locktree.ManagerOptions {
	return locktree.ManagerOptions{
		MaxLockMemory:  c.MaxLockMemory,
		LockWaitTimeMs: c.LockWaitTimeMs,
	}
}

// String returns a formatted string representation of the configuration
func (c *ManagerConfig) String() string {
	var sb strings.Builder
	addSection, addField := sectionWriter(&sb)

	addSection("Lock Manager")
	addField("Max Lock Memory", humanize.IBytes(c.MaxLockMemory))
	addField("Lock Wait Time", (time.Duration(c.LockWaitTimeMs) * time.Millisecond).String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if overrides, err := ParseLogLevels(c.LogLevels); err == nil && len(overrides) > 0 {
		addField("Package Log Levels", FormatLogLevels(overrides))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Benchmark configuration struct
// --------------------------------------------------------------------------

// BenchConfig describes the in-process workload of the bench command.
type BenchConfig struct {
	Threads     int
	Keys        int
	RangeWidth  int
	LocksPerTxn int
	Skip        []string
	CSVPath     string
	Prometheus  bool
}

// String returns a formatted string representation of the configuration
func (c *BenchConfig) String() string {
	var sb strings.Builder
	addSection, addField := sectionWriter(&sb)

	addSection("Workload")
	addField("Threads", strconv.Itoa(c.Threads))
	addField("Keys", strconv.Itoa(c.Keys))
	addField("Range Width", strconv.Itoa(c.RangeWidth))
	addField("Locks Per Transaction", strconv.Itoa(c.LocksPerTxn))
	if len(c.Skip) > 0 {
		addField("Skipped", strings.Join(c.Skip, ", "))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// sectionWriter returns helper functions for consistent formatting
func sectionWriter(sb *strings.Builder) (addSection func(string), addField func(string, string)) {
	addSection = func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField = func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}
