package app

import (
	"os"
	"sync"
)

// TestModeEnv, when set to "1", stops serve and the worker from binding
// listeners or dialling Redis and Postgres.
const TestModeEnv = "ODYSSEY_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(TestModeEnv) == "1"
})

// InTestMode reports whether process side effects are disabled. The flag is
// read once.
func InTestMode() bool {
	return testMode()
}
