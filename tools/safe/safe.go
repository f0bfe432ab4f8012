package safe

import (
	"github.com/amora-chat/amora/logger"
)

// Go starts a goroutine that recovers from panics, so a single bad frame
// or handler cannot take down the gateway process.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
