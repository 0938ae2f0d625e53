package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("NIMBUS_TEST_MODE") == "" {
			_ = os.Setenv("NIMBUS_TEST_MODE", "1")
		}
	})
}
