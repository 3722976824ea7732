// Package mock provides an environment-configurable fault-injecting medium for testing.
//
// Environment Variables:
//
// Timing Control:
//   - MOCK_MEDIUM_REALISTIC_TIMING: Enable timing simulation (default: false)
//   - MOCK_MEDIUM_LOCK_LATENCY_MS: Lock request latency in ms (default: 20)
//   - MOCK_MEDIUM_LOCK_LATENCY_JITTER_MS: Latency jitter range in ms (default: 5)
//   - MOCK_MEDIUM_UNLOCK_LATENCY_MS: Token abandon latency in ms (default: 10)
//
// Error Injection:
//   - MOCK_MEDIUM_ERROR_MODE: Error injection mode (none|busy|not_lockable|abandon_fail)
//   - MOCK_MEDIUM_ERROR_AFTER_N: Fail after N operations (default: 0 = immediate)
//
// Observability:
//   - MOCK_MEDIUM_ENABLE_HISTORY: Enable call history tracking (default: true)
//   - MOCK_MEDIUM_HISTORY_DEPTH: Maximum history entries (default: 100)
package mock

import (
	"os"
	"strconv"
)

// MockMediumConfig holds configuration for mock medium behavior
type MockMediumConfig struct {
	// Timing control
	RealisticTiming     bool // MOCK_MEDIUM_REALISTIC_TIMING (default: false)
	LockLatencyMs       int  // MOCK_MEDIUM_LOCK_LATENCY_MS (default: 20)
	LockLatencyJitterMs int  // MOCK_MEDIUM_LOCK_LATENCY_JITTER_MS (default: 5)
	UnlockLatencyMs     int  // MOCK_MEDIUM_UNLOCK_LATENCY_MS (default: 10)

	// Error injection
	ErrorMode   string // MOCK_MEDIUM_ERROR_MODE (none|busy|not_lockable|abandon_fail)
	ErrorAfterN int    // MOCK_MEDIUM_ERROR_AFTER_N (fail after N operations, default: 0 = immediate)

	// Observability
	EnableHistory bool // MOCK_MEDIUM_ENABLE_HISTORY (default: true)
	HistoryDepth  int  // MOCK_MEDIUM_HISTORY_DEPTH (default: 100)
}

// LoadConfigFromEnv loads mock medium configuration from environment variables
func LoadConfigFromEnv() MockMediumConfig {
	return MockMediumConfig{
		RealisticTiming:     getEnvBool("MOCK_MEDIUM_REALISTIC_TIMING", false),
		LockLatencyMs:       getEnvInt("MOCK_MEDIUM_LOCK_LATENCY_MS", 20),
		LockLatencyJitterMs: getEnvInt("MOCK_MEDIUM_LOCK_LATENCY_JITTER_MS", 5),
		UnlockLatencyMs:     getEnvInt("MOCK_MEDIUM_UNLOCK_LATENCY_MS", 10),
		ErrorMode:           getEnvString("MOCK_MEDIUM_ERROR_MODE", "none"),
		ErrorAfterN:         getEnvInt("MOCK_MEDIUM_ERROR_AFTER_N", 0),
		EnableHistory:       getEnvBool("MOCK_MEDIUM_ENABLE_HISTORY", true),
		HistoryDepth:        getEnvInt("MOCK_MEDIUM_HISTORY_DEPTH", 100),
	}
}

// getEnvBool reads a boolean environment variable with a default value
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes"
}

// getEnvInt reads an integer environment variable with a default value
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvString reads a string environment variable with a default value
func getEnvString(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
