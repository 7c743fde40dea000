package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/microshed/microshed-testing-go/internal/config"
)

var (
	root     hclog.Logger
	rootOnce sync.Once
	rootMux  sync.RWMutex
)

func base() hclog.Logger {
	rootOnce.Do(func() {
		level := hclog.LevelFromString(config.Lookup(config.LogLevel))
		if level == hclog.NoLevel {
			level = hclog.Info
		}
		root = hclog.New(&hclog.LoggerOptions{
			Name:   "microshed",
			Level:  level,
			Output: os.Stderr,
		})
	})
	rootMux.RLock()
	defer rootMux.RUnlock()
	return root
}

// Named returns a sub-logger for a component, e.g. Named("ContainerGroup").
func Named(name string) hclog.Logger {
	return base().Named(name)
}

// SetLogger replaces the root logger. Loggers handed out earlier keep their sink.
func SetLogger(l hclog.Logger) {
	base()
	rootMux.Lock()
	defer rootMux.Unlock()
	root = l
}
