// Package config loads the cluster test configuration: which databases the
// logical aliases (db1, db2, ...) resolve to, which external commands run
// scripts and client programs, and scenario-wide settings.
//
// Configuration comes from a YAML or .properties file, overridden by
// CLUSTERTEST_* environment variables and then by command-line flags.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment overrides: CLUSTERTEST_CLUSTERNAME,
	// CLUSTERTEST_DATABASE_DB1_HOST, ...
	EnvPrefix = "CLUSTERTEST"

	DefaultClusterName = "disorder_replica"
	DefaultSyncWait    = 60 * time.Second
	DefaultDriver      = "pgx"
)

// Database is the connection descriptor of one logical alias.
type Database struct {
	Alias    string
	DBName   string
	Host     string
	Port     string
	User     string
	Password string

	// Driver is the database/sql driver name.
	Driver string

	// DSN, when set, is passed to sql.Open verbatim.
	DSN string
}

// ConnString returns the data source name for database/sql.
func (d Database) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("host", d.Host)
	add("port", d.Port)
	add("dbname", d.DBName)
	add("user", d.User)
	add("password", d.Password)
	return strings.Join(parts, " ")
}

// Commands holds the command lines of the external programs. Each is split
// with shell quoting rules before it is run.
type Commands struct {
	Slonik   string
	CreateDB string
	DropDB   string
	Client   string
}

// Config is the loaded configuration.
type Config struct {
	ClusterName string
	SyncWait    time.Duration
	ScenarioDir string
	Commands    Commands

	v *viper.Viper
}

// Load reads the configuration file at path (optional), applies environment
// overrides and binds flags (optional).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

// FromMap builds a configuration from nested settings. Used by tests and by
// callers that assemble configuration in code.
func FromMap(settings map[string]any) (*Config, error) {
	v := newViper()
	if err := v.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return fromViper(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("clustername", DefaultClusterName)
	v.SetDefault("sync_wait", "60s")
	v.SetDefault("scenario_dir", ".")
	v.SetDefault("commands.slonik", "slonik")
	v.SetDefault("commands.createdb", "createdb")
	v.SetDefault("commands.dropdb", "dropdb")
	v.SetDefault("commands.client", "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	wait, err := seconds(v.Get("sync_wait"))
	if err != nil {
		return nil, fmt.Errorf("invalid sync_wait: %w", err)
	}
	if wait <= 0 {
		return nil, fmt.Errorf("invalid sync_wait: must be positive, got %s", wait)
	}
	return &Config{
		ClusterName: v.GetString("clustername"),
		SyncWait:    wait,
		ScenarioDir: v.GetString("scenario_dir"),
		Commands: Commands{
			Slonik:   v.GetString("commands.slonik"),
			CreateDB: v.GetString("commands.createdb"),
			DropDB:   v.GetString("commands.dropdb"),
			Client:   v.GetString("commands.client"),
		},
		v: v,
	}, nil
}

// seconds accepts a duration string ("90s") or a bare number of seconds.
func seconds(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return DefaultSyncWait, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case time.Duration:
		return val, nil
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(val)
	default:
		return 0, fmt.Errorf("unsupported value %v", raw)
	}
}

// Get returns the raw string value of a dotted key.
func (c *Config) Get(key string) string {
	return c.v.GetString(key)
}

// Aliases returns every configured database alias, sorted.
func (c *Config) Aliases() []string {
	var out []string
	for alias := range c.v.GetStringMap("database") {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Database resolves a logical alias to its connection descriptor.
func (c *Config) Database(alias string) (Database, error) {
	prefix := "database." + alias
	if !c.v.IsSet(prefix) {
		return Database{}, fmt.Errorf("database alias %q is not configured", alias)
	}
	get := func(field string) string { return c.v.GetString(prefix + "." + field) }
	db := Database{
		Alias:    alias,
		DBName:   get("dbname"),
		Host:     get("host"),
		Port:     get("port"),
		User:     get("user.slony"),
		Password: get("password.slony"),
		Driver:   get("driver"),
		DSN:      get("dsn"),
	}
	if db.Driver == "" {
		db.Driver = DefaultDriver
	}
	return db, nil
}

var variablePattern = regexp.MustCompile(`\$([A-Za-z0-9_.]+)`)

// Expand substitutes $dotted.key variables with configured values. Every
// variable must resolve; the error lists the ones that did not.
func (c *Config) Expand(text string) (string, error) {
	var unresolved []string
	out := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.TrimRight(match[1:], ".")
		suffix := match[1+len(key):]
		if !c.v.IsSet(key) {
			unresolved = append(unresolved, key)
			return match
		}
		return c.v.GetString(key) + suffix
	})
	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved configuration variables: %s", strings.Join(unresolved, ", "))
	}
	return out, nil
}
