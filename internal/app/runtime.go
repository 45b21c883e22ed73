package app

import (
	"os"
	"sync"
	"sync/atomic"
)

// TestModeEnv is set by test binaries so entrypoints skip connecting to Postgres and Redis.
const TestModeEnv = "STOCKLEDGER_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(TestModeEnv) == "1")
}

// InTestMode reports whether the process runs under go test.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads the environment after it changed.
func RefreshTestMode() {
	detectTestMode()
}
