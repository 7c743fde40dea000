package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Property keys understood by the framework. Each key can be supplied as an
// override through Set, as an environment variable, or in microshed.yaml.
const (
	EnvClass              = "MICROSHED_TEST_ENV_CLASS"
	ManualEnabled         = "microshed_manual_env"
	Hostname              = "microshed_hostname"
	HTTPPort              = "microshed_http_port"
	HTTPSPort             = "microshed_https_port"
	AppContextRoot        = "microshed_app_context_root"
	CI                    = "CI"
	KafkaBootstrapServers = "org.microshed.kafka.bootstrap.servers"
	DatasourceURL         = "org.microshed.datasource.url"
	DatasourceUsername    = "org.microshed.datasource.username"
	DatasourcePassword    = "org.microshed.datasource.password"
	QuarkusTestURL        = "test.url"
	QuarkusPropertiesFile = "quarkus.properties.file"
	LogLevel              = "MICROSHED_LOG_LEVEL"
)

type Config struct {
	EnvClass              string
	ManualEnabled         bool
	Hostname              string
	HTTPPort              string
	HTTPSPort             string
	AppContextRoot        string
	CI                    bool
	KafkaBootstrapServers string
	DatasourceURL         string
	DatasourceUsername    string
	DatasourcePassword    string
}

var (
	store      = newStore()
	overrides  = map[string]string{}
	fileLoaded bool
	configMux  sync.RWMutex
)

func newStore() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_", "%", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads microshed.yaml from configPath if it exists. A missing
// file is not an error; values from the file have the lowest precedence.
func LoadConfig(configPath string) error {
	configMux.Lock()
	defer configMux.Unlock()

	if fileLoaded {
		return nil
	}

	store.SetConfigName("microshed")
	store.SetConfigType("yaml")
	store.AddConfigPath(configPath)

	if err := store.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	fileLoaded = true
	return nil
}

// Lookup resolves a single key. Overrides win, then an environment variable
// with the exact name, then the upper-cased name with dots replaced, then the
// config file. An empty exact-name variable counts as unset.
func Lookup(key string) string {
	configMux.RLock()
	defer configMux.RUnlock()

	if value, ok := overrides[key]; ok {
		return value
	}
	if value := os.Getenv(key); value != "" {
		return value
	}
	return store.GetString(key)
}

// Set publishes a process-wide value that takes precedence over the environment.
func Set(key, value string) {
	configMux.Lock()
	defer configMux.Unlock()

	overrides[key] = value
}

// IsSet reports whether key resolves to a non-empty value.
func IsSet(key string) bool {
	return Lookup(key) != ""
}

func Bool(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(Lookup(key)))
	return err == nil && b
}

// GetConfig returns a snapshot of the current configuration.
func GetConfig() *Config {
	return &Config{
		EnvClass:              Lookup(EnvClass),
		ManualEnabled:         Bool(ManualEnabled),
		Hostname:              Lookup(Hostname),
		HTTPPort:              Lookup(HTTPPort),
		HTTPSPort:             Lookup(HTTPSPort),
		AppContextRoot:        Lookup(AppContextRoot),
		CI:                    Bool(CI),
		KafkaBootstrapServers: Lookup(KafkaBootstrapServers),
		DatasourceURL:         Lookup(DatasourceURL),
		DatasourceUsername:    Lookup(DatasourceUsername),
		DatasourcePassword:    Lookup(DatasourcePassword),
	}
}

func SetKafkaBootstrapServers(servers string) {
	Set(KafkaBootstrapServers, servers)
}

func SetDatasource(url, username, password string) {
	configMux.Lock()
	defer configMux.Unlock()

	overrides[DatasourceURL] = url
	overrides[DatasourceUsername] = username
	overrides[DatasourcePassword] = password
}

// ResetConfig drops overrides and forgets the loaded config file.
func ResetConfig() {
	configMux.Lock()
	defer configMux.Unlock()

	overrides = map[string]string{}
	store = newStore()
	fileLoaded = false
}
