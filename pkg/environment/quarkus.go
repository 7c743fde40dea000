package environment

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/magiconair/properties"

	"github.com/microshed/microshed-testing-go/internal/config"
	"github.com/microshed/microshed-testing-go/internal/logging"
	"github.com/microshed/microshed-testing-go/pkg/group"
)

// DefaultQuarkusURL is where Quarkus serves tests unless configured otherwise.
const DefaultQuarkusURL = "http://localhost:8081/"

var quarkusLog = logging.Named("Quarkus")

// Quarkus targets an application that the Quarkus test runtime starts.
type Quarkus struct{}

func NewQuarkus() *Quarkus {
	return &Quarkus{}
}

func (q *Quarkus) Priority() int {
	return PriorityQuarkus
}

// IsAvailable requires an application.properties that configures Quarkus.
// test.url only matters once Quarkus is selected; TEST_URL is commonly set
// by CI for unrelated reasons.
func (q *Quarkus) IsAvailable() bool {
	props, err := loadQuarkusProperties()
	if err != nil {
		return false
	}
	for _, k := range props.Keys() {
		if isQuarkusKey(k) {
			return true
		}
	}
	return false
}

func isQuarkusKey(k string) bool {
	if strings.HasPrefix(k, "%") {
		if _, rest, ok := strings.Cut(k, "."); ok {
			k = rest
		}
	}
	return strings.HasPrefix(k, "quarkus.")
}

// ConfigureRESTClient is false: Quarkus configures its own test clients.
func (q *Quarkus) ConfigureRESTClient() bool {
	return false
}

func (q *Quarkus) PreConfigure(context.Context, *group.Suite) error {
	return nil
}

func (q *Quarkus) Start(context.Context) error {
	return nil
}

// ApplicationURL checks test.url, then quarkus.http.test-port and
// %test.quarkus.http.port in application.properties, then falls back to
// DefaultQuarkusURL.
func (q *Quarkus) ApplicationURL(context.Context) (string, error) {
	if u := config.Lookup(config.QuarkusTestURL); u != "" {
		return u, nil
	}

	props, err := loadQuarkusProperties()
	if err != nil {
		quarkusLog.Debug("unable to read application properties", "error", err)
		return DefaultQuarkusURL, nil
	}
	for _, key := range []string{"quarkus.http.test-port", "%test.quarkus.http.port"} {
		if port, ok := props.Get(key); ok && port != "" {
			return "http://localhost:" + port, nil
		}
	}
	return DefaultQuarkusURL, nil
}

func quarkusPropertiesPath() string {
	if p := config.Lookup(config.QuarkusPropertiesFile); p != "" {
		return p
	}
	return filepath.Join("src", "main", "resources", "application.properties")
}

func loadQuarkusProperties() (*properties.Properties, error) {
	path := quarkusPropertiesPath()
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	return l.LoadFile(path)
}
