// Package config implements the cobra+viper layered configuration manager
// described in §"Configuration": a Config struct mirroring each subsystem,
// and a Manager that registers each field as a persistent flag, binds it to
// a viper key, and binds an environment variable under the TASKRELAY_
// prefix, with flags > env > config file > default precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "TASKRELAY"

// MysqlConfig defines the record store connection.
type MysqlConfig struct {
	Protocol        string
	Address         string
	Username        string
	Password        string
	Database        string
	TLSConfig       string `yaml:"tls_config"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// DSN builds the go-sql-driver/mysql connection string for this config, the
// same shape the teacher's own MySQL-backed store generates.
func (c MysqlConfig) DSN() string {
	dsn := fmt.Sprintf(
		"%s:%s@%s(%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC&clientFoundRows=true",
		c.Username, c.Password, c.Protocol, c.Address, c.Database,
	)
	if c.TLSConfig != "" {
		dsn = fmt.Sprintf("%s&tls=%s", dsn, c.TLSConfig)
	}
	return dsn
}

// RedisConfig defines the optional Redis connection used by the error
// store and, when selected, the distributed locker.
type RedisConfig struct {
	Address        string
	Password       string
	Database       int
	UseTLS         bool          `yaml:"use_tls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	MaxOpenConns   int           `yaml:"max_open_conns"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// ServerConfig defines the HTTP transport.
type ServerConfig struct {
	Address   string
	Cert      string
	Key       string
	TLS       bool
	URLPrefix string `yaml:"url_prefix"`
	Keepalive bool
}

// AuthConfig defines bearer-token signing for the identity middleware.
type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// SchedulerConfig defines the per-collection timers of §4.2/§4.4/§4.6.
type SchedulerConfig struct {
	PromotionInterval time.Duration `yaml:"promotion_interval"`
	LockExpiration    time.Duration `yaml:"lock_expiration"`
	Locker            string        `yaml:"locker"` // "mysql", "redis", or "" (in-process, single-coordinator)

	RetentionEnabled bool          `yaml:"retention_enabled"`
	RetentionMaxAge  time.Duration `yaml:"retention_max_age"`
	RetentionRemove  bool          `yaml:"retention_remove"`

	CancelRepeatsAcrossData bool `yaml:"cancel_repeats_across_data"`
}

// LoggingConfig defines the go-kit logger's format and verbosity.
type LoggingConfig struct {
	Debug bool
	JSON  bool
}

// Config is the complete resolved configuration for a taskrelayd process.
type Config struct {
	Mysql     MysqlConfig
	Redis     RedisConfig
	Server    ServerConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// Redacted returns a copy of cfg with secret-bearing fields replaced by
// the string "REDACTED",
// for operational debugging (the "config dump" subcommand) without leaking
// credentials into logs or terminals.
func (c Config) Redacted() Config {
	c.Mysql.Password = "REDACTED"
	c.Redis.Password = "REDACTED"
	c.Auth.TokenSecret = "REDACTED"
	return c
}

// envNameFromConfigKey converts a config key into the corresponding
// environment variable name.
func envNameFromConfigKey(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.Replace(key, ".", "_", -1))
}

// flagNameFromConfigKey converts a config key into the corresponding flag
// name.
func flagNameFromConfigKey(key string) string {
	return strings.Replace(key, ".", "_", -1)
}

func getFlagUsage(key, usage string) string {
	return fmt.Sprintf("Env: %s\n\t\t%s", envNameFromConfigKey(key), usage)
}

// Manager manages the addition and retrieval of config values. Its only
// public API beyond construction is LoadConfig, which returns the
// populated Config struct.
type Manager struct {
	viper    *viper.Viper
	command  *cobra.Command
	defaults map[string]interface{}
}

// NewManager initializes a Manager wrapping the provided cobra command.
// All config flags are attached to that command (and inherited by its
// subcommands). Typically called once, with the root command.
func NewManager(command *cobra.Command) Manager {
	man := Manager{
		viper:    viper.New(),
		command:  command,
		defaults: map[string]interface{}{},
	}
	man.addConfigs()
	return man
}

func (man Manager) addDefault(key string, defVal interface{}) {
	if _, exists := man.defaults[key]; exists {
		panic("config: duplicate default for key " + key)
	}
	man.defaults[key] = defVal
}

func (man Manager) getInterfaceVal(key string) interface{} {
	v := man.viper.Get(key)
	if v == nil {
		dv, ok := man.defaults[key]
		if !ok {
			panic("config: no default registered for key " + key)
		}
		return dv
	}
	return v
}

func (man Manager) addConfigString(key, defVal, usage string) {
	man.command.PersistentFlags().String(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	_ = man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	_ = man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigString(key string) string {
	s, err := cast.ToStringE(man.getInterfaceVal(key))
	if err != nil {
		panic("config: cast to string for key " + key + ": " + err.Error())
	}
	return s
}

func (man Manager) addConfigInt(key string, defVal int, usage string) {
	man.command.PersistentFlags().Int(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	_ = man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	_ = man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigInt(key string) int {
	i, err := cast.ToIntE(man.getInterfaceVal(key))
	if err != nil {
		panic("config: cast to int for key " + key + ": " + err.Error())
	}
	return i
}

func (man Manager) addConfigBool(key string, defVal bool, usage string) {
	man.command.PersistentFlags().Bool(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	_ = man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	_ = man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigBool(key string) bool {
	b, err := cast.ToBoolE(man.getInterfaceVal(key))
	if err != nil {
		panic("config: cast to bool for key " + key + ": " + err.Error())
	}
	return b
}

func (man Manager) addConfigDuration(key string, defVal time.Duration, usage string) {
	man.command.PersistentFlags().Duration(flagNameFromConfigKey(key), defVal, getFlagUsage(key, usage))
	_ = man.viper.BindPFlag(key, man.command.PersistentFlags().Lookup(flagNameFromConfigKey(key)))
	_ = man.viper.BindEnv(key, envNameFromConfigKey(key))
	man.addDefault(key, defVal)
}

func (man Manager) getConfigDuration(key string) time.Duration {
	d, err := cast.ToDurationE(man.getInterfaceVal(key))
	if err != nil {
		panic("config: cast to duration for key " + key + ": " + err.Error())
	}
	return d
}

func (man Manager) addConfigs() {
	man.addConfigString("mysql.protocol", "tcp", "MySQL server communication protocol (tcp,unix,...)")
	man.addConfigString("mysql.address", "localhost:3306", "MySQL server address (host:port)")
	man.addConfigString("mysql.username", "taskrelay", "MySQL server username")
	man.addConfigString("mysql.password", "", "MySQL server password (prefer env variable for security)")
	man.addConfigString("mysql.database", "taskrelay", "MySQL database name")
	man.addConfigString("mysql.tls_config", "", "MySQL TLS config value: skip-verify, true, false, or a registered custom key")
	man.addConfigInt("mysql.max_open_conns", 50, "MySQL maximum open connection handles")
	man.addConfigInt("mysql.max_idle_conns", 50, "MySQL maximum idle connection handles")
	man.addConfigInt("mysql.conn_max_lifetime", 0, "MySQL maximum amount of time a connection may be reused")

	man.addConfigString("redis.address", "localhost:6379", "Redis server address (host:port)")
	man.addConfigString("redis.password", "", "Redis server password (prefer env variable for security)")
	man.addConfigInt("redis.database", 0, "Redis server database number")
	man.addConfigBool("redis.use_tls", false, "Redis server enable TLS")
	man.addConfigDuration("redis.connect_timeout", 5*time.Second, "Timeout at connection time")
	man.addConfigInt("redis.max_idle_conns", 3, "Redis maximum idle connections")
	man.addConfigInt("redis.max_open_conns", 0, "Redis maximum open connections, 0 means no limit")
	man.addConfigDuration("redis.idle_timeout", 240*time.Second, "Redis maximum amount of time a connection may stay idle")

	man.addConfigString("server.address", "0.0.0.0:8080", "taskrelayd listen address (host:port)")
	man.addConfigString("server.cert", "", "TLS certificate path")
	man.addConfigString("server.key", "", "TLS key path")
	man.addConfigBool("server.tls", false, "Enable TLS")
	man.addConfigString("server.url_prefix", "", "URL prefix used on server endpoints")
	man.addConfigBool("server.keepalive", true, "Controls whether HTTP keep-alives are enabled")

	man.addConfigString("auth.token_secret", "CHANGEME", "HMAC secret for signing bearer tokens (prefer env variable for security)")
	man.addConfigDuration("auth.token_ttl", 24*time.Hour, "Validity period for minted bearer tokens")

	man.addConfigDuration("scheduler.promotion_interval", 15*time.Second, "Interval between promotion/retention ticks")
	man.addConfigDuration("scheduler.lock_expiration", 30*time.Second, "Leader lock expiration; the lock is taken at the start of each tick and released when the tick ends")
	man.addConfigString("scheduler.locker", "", "Distributed locker backend: mysql, redis, or empty for a single-coordinator in-process locker")
	man.addConfigBool("scheduler.retention_enabled", false, "Enable the retention sweep for terminal jobs")
	man.addConfigDuration("scheduler.retention_max_age", 7*24*time.Hour, "Age past which a terminal job is eligible for retention")
	man.addConfigBool("scheduler.retention_remove", false, "Remove terminal jobs past retention age instead of only trimming their log")
	man.addConfigBool("scheduler.cancel_repeats_across_data", false, "jobSave's cancelRepeats ignores the data payload when matching siblings of the same type")

	man.addConfigBool("logging.debug", false, "Enable debug-level logging")
	man.addConfigBool("logging.json", false, "Log in JSON instead of logfmt")
}

// IsSet determines whether a given config key has been explicitly set by
// any configuration source. If false, the default value is in use.
func (man Manager) IsSet(key string) bool {
	return man.viper.IsSet(key)
}

// loadConfigFile handles the optional --config file, read as YAML.
func (man Manager) loadConfigFile(configFile string) error {
	if configFile == "" {
		return nil
	}
	man.viper.SetConfigType("yaml")
	man.viper.SetConfigFile(configFile)
	return man.viper.ReadInConfig()
}

// LoadConfig reads the named config file (if any), then resolves every
// registered key through flags > env > config file > default, and returns
// the populated Config.
func (man Manager) LoadConfig(configFile string) (Config, error) {
	if err := man.loadConfigFile(configFile); err != nil {
		return Config{}, fmt.Errorf("load config file: %w", err)
	}

	return Config{
		Mysql: MysqlConfig{
			Protocol:        man.getConfigString("mysql.protocol"),
			Address:         man.getConfigString("mysql.address"),
			Username:        man.getConfigString("mysql.username"),
			Password:        man.getConfigString("mysql.password"),
			Database:        man.getConfigString("mysql.database"),
			TLSConfig:       man.getConfigString("mysql.tls_config"),
			MaxOpenConns:    man.getConfigInt("mysql.max_open_conns"),
			MaxIdleConns:    man.getConfigInt("mysql.max_idle_conns"),
			ConnMaxLifetime: man.getConfigInt("mysql.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Address:        man.getConfigString("redis.address"),
			Password:       man.getConfigString("redis.password"),
			Database:       man.getConfigInt("redis.database"),
			UseTLS:         man.getConfigBool("redis.use_tls"),
			ConnectTimeout: man.getConfigDuration("redis.connect_timeout"),
			MaxIdleConns:   man.getConfigInt("redis.max_idle_conns"),
			MaxOpenConns:   man.getConfigInt("redis.max_open_conns"),
			IdleTimeout:    man.getConfigDuration("redis.idle_timeout"),
		},
		Server: ServerConfig{
			Address:   man.getConfigString("server.address"),
			Cert:      man.getConfigString("server.cert"),
			Key:       man.getConfigString("server.key"),
			TLS:       man.getConfigBool("server.tls"),
			URLPrefix: man.getConfigString("server.url_prefix"),
			Keepalive: man.getConfigBool("server.keepalive"),
		},
		Auth: AuthConfig{
			TokenSecret: man.getConfigString("auth.token_secret"),
			TokenTTL:    man.getConfigDuration("auth.token_ttl"),
		},
		Scheduler: SchedulerConfig{
			PromotionInterval:       man.getConfigDuration("scheduler.promotion_interval"),
			LockExpiration:          man.getConfigDuration("scheduler.lock_expiration"),
			Locker:                  man.getConfigString("scheduler.locker"),
			RetentionEnabled:        man.getConfigBool("scheduler.retention_enabled"),
			RetentionMaxAge:         man.getConfigDuration("scheduler.retention_max_age"),
			RetentionRemove:         man.getConfigBool("scheduler.retention_remove"),
			CancelRepeatsAcrossData: man.getConfigBool("scheduler.cancel_repeats_across_data"),
		},
		Logging: LoggingConfig{
			Debug: man.getConfigBool("logging.debug"),
			JSON:  man.getConfigBool("logging.json"),
		},
	}, nil
}

// TestConfig returns a barebones configuration suitable for use in tests.
func TestConfig() Config {
	return Config{
		Mysql: MysqlConfig{Protocol: "tcp", Address: "localhost:3306", Username: "taskrelay", Database: "taskrelay_test"},
		Auth:  AuthConfig{TokenSecret: "test-secret", TokenTTL: time.Hour},
		Scheduler: SchedulerConfig{
			PromotionInterval: 100 * time.Millisecond,
			LockExpiration:    200 * time.Millisecond,
		},
	}
}
