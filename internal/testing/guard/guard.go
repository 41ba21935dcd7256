// Package guard switches binaries into test mode when imported from tests, so
// that calling main never dials Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		setDefault("ODYSSEY_TEST_MODE", "1")
		setDefault("STORAGE_DRIVER", "memory")
	})
}

func setDefault(key, value string) {
	if os.Getenv(key) == "" {
		_ = os.Setenv(key, value)
	}
}
