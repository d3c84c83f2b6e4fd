// Package config resolves settings from ~/.hbci/config.toml, HBCI_* environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bnema/hbci-go/internal/application"
	"github.com/bnema/hbci-go/internal/domain"
)

const (
	envPrefix = "HBCI"
	dirName   = ".hbci"

	KeyProfilesPath       = "profiles.path"
	KeyPassportDir        = "passport.dir"
	KeyPassportRetries    = "passport.retries"
	KeyPassportAtomicSave = "passport.atomic_save"
	KeyEndpointHost       = "endpoint.host"
	KeyEndpointPort       = "endpoint.port"
	KeyProxyURL           = "proxy.url"
	KeyProxyUser          = "proxy.user"
	KeyProxyPass          = "proxy.pass"
	KeyCallbackTimeout    = "callback.timeout"
	KeyIgnoreCreateErrors = "jobs.ignore_create_errors"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyLogFilter          = "log.filter"
	KeyTransportRate      = "transport.rate"
	KeyTransportBurst     = "transport.burst"
	KeyTransportTimeout   = "transport.timeout"
	KeyJournalPath        = "journal.path"
	KeyMetricsAddr        = "metrics.addr"
	KeyHBCIVersion        = "hbci.version"
	KeyCodecSchema        = "codec.schema"
	KeySecretsDir         = "secrets.dir"

	faultsPrefix = "faults."
)

var faultClasses = []domain.FaultClass{
	domain.FaultInvalidParam,
	domain.FaultMissingParam,
	domain.FaultBadResponse,
	domain.FaultCreateJob,
}

type Config struct {
	Home string

	ProfilesPath       string
	PassportDir        string
	PassportRetries    int
	AtomicSave         bool
	EndpointHost       string
	EndpointPort       int
	ProxyURL           string
	ProxyUser          string
	ProxyPass          string
	CallbackTimeout    time.Duration
	Faults             application.FaultPolicy
	IgnoreCreateErrors bool
	LogLevel           string
	LogFormat          string
	LogFilter          domain.FilterClass
	TransportRate      float64
	TransportBurst     int
	TransportTimeout   time.Duration
	JournalPath        string
	MetricsAddr        string
	HBCIVersion        string
	CodecSchema        string
	SecretsDir         string
}

// New returns a viper instance with defaults rooted at home. The config file
// is optional.
func New(home string) (*viper.Viper, error) {
	v := viper.New()
	dir := filepath.Join(home, dirName)

	v.SetDefault(KeyProfilesPath, filepath.Join(dir, "profiles.toml"))
	v.SetDefault(KeyPassportDir, filepath.Join(dir, "passports"))
	v.SetDefault(KeyPassportRetries, 3)
	v.SetDefault(KeyPassportAtomicSave, false)
	v.SetDefault(KeyEndpointHost, "")
	v.SetDefault(KeyEndpointPort, 0)
	v.SetDefault(KeyProxyURL, "")
	v.SetDefault(KeyProxyUser, "")
	v.SetDefault(KeyProxyPass, "")
	v.SetDefault(KeyCallbackTimeout, 300*time.Second)
	v.SetDefault(KeyIgnoreCreateErrors, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogFilter, int(domain.FilterIDs))
	v.SetDefault(KeyTransportRate, 2.0)
	v.SetDefault(KeyTransportBurst, 4)
	v.SetDefault(KeyTransportTimeout, 60*time.Second)
	v.SetDefault(KeyJournalPath, filepath.Join(dir, "journal.db"))
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyHBCIVersion, "300")
	v.SetDefault(KeyCodecSchema, "")
	v.SetDefault(KeySecretsDir, filepath.Join(dir, "secrets"))
	for _, class := range faultClasses {
		v.SetDefault(faultsPrefix+string(class), string(application.FaultRaise))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return v, nil
}

// Load resolves the settings under home.
func Load(home string) (Config, error) {
	v, err := New(home)
	if err != nil {
		return Config{}, err
	}
	return FromViper(home, v)
}

func FromViper(home string, v *viper.Viper) (Config, error) {
	cfg := Config{
		Home:               home,
		ProfilesPath:       v.GetString(KeyProfilesPath),
		PassportDir:        v.GetString(KeyPassportDir),
		PassportRetries:    v.GetInt(KeyPassportRetries),
		AtomicSave:         v.GetBool(KeyPassportAtomicSave),
		EndpointHost:       v.GetString(KeyEndpointHost),
		EndpointPort:       v.GetInt(KeyEndpointPort),
		ProxyURL:           v.GetString(KeyProxyURL),
		ProxyUser:          v.GetString(KeyProxyUser),
		ProxyPass:          v.GetString(KeyProxyPass),
		CallbackTimeout:    v.GetDuration(KeyCallbackTimeout),
		IgnoreCreateErrors: v.GetBool(KeyIgnoreCreateErrors),
		LogLevel:           v.GetString(KeyLogLevel),
		LogFormat:          v.GetString(KeyLogFormat),
		LogFilter:          domain.FilterClass(v.GetInt(KeyLogFilter)),
		TransportRate:      v.GetFloat64(KeyTransportRate),
		TransportBurst:     v.GetInt(KeyTransportBurst),
		TransportTimeout:   v.GetDuration(KeyTransportTimeout),
		JournalPath:        v.GetString(KeyJournalPath),
		MetricsAddr:        v.GetString(KeyMetricsAddr),
		HBCIVersion:        v.GetString(KeyHBCIVersion),
		CodecSchema:        v.GetString(KeyCodecSchema),
		SecretsDir:         v.GetString(KeySecretsDir),
		Faults:             application.FaultPolicy{},
	}

	for _, class := range faultClasses {
		action, err := application.ParseFaultAction(v.GetString(faultsPrefix + string(class)))
		if err != nil {
			return Config{}, fmt.Errorf("config %s%s: %w", faultsPrefix, class, err)
		}
		cfg.Faults[class] = action
	}

	if cfg.LogFilter < domain.FilterNone || cfg.LogFilter > domain.FilterMost {
		return Config{}, fmt.Errorf("config %s: level %d out of range 0..3", KeyLogFilter, cfg.LogFilter)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("config %s: unknown format %q", KeyLogFormat, cfg.LogFormat)
	}
	if cfg.PassportRetries < 1 {
		cfg.PassportRetries = 1
	}

	return cfg, nil
}

// PassportPath resolves a profile's state file; relative paths live under the
// passport directory.
func (c Config) PassportPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.PassportDir, path)
}
