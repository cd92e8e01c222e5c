// Package config loads and validates capsync configuration.
//
// Configuration is layered: defaults, then capsync.yaml (working directory or
// an explicit path), then environment variables with the CAPSYNC_ prefix
// (dots become underscores, e.g. CAPSYNC_TODOIST_TOKEN). No CLI flag is bound
// to an individual key; the --config flag only selects the file.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DefaultAreaNames is the recognized set of life-area canonical names.
var DefaultAreaNames = []string{
	"HOME", "HEALTH", "PROSPER", "WORK", "PERSONAL & FAMILY", "FINANCIAL", "FUN",
}

// Config is the resolved runtime configuration.
type Config struct {
	EligibilityTag string   `mapstructure:"eligibility_tag"`
	AreaNames      []string `mapstructure:"area_names"`
	SkipInbox      bool     `mapstructure:"skip_inbox"`
	SkipRecurring  bool     `mapstructure:"skip_recurring"`
	AutoLabel      bool     `mapstructure:"auto_label"`
	AddBacklink    bool     `mapstructure:"add_backlink"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	RetryMax          int           `mapstructure:"retry_max"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	DefaultTimezone   string        `mapstructure:"default_timezone"`

	Todoist   TodoistConfig   `mapstructure:"todoist"`
	Notion    NotionConfig    `mapstructure:"notion"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Queue     QueueConfig     `mapstructure:"queue"`
	State     StateConfig     `mapstructure:"state"`
}

// TodoistConfig holds source adapter settings.
type TodoistConfig struct {
	Token   string  `mapstructure:"token"`
	BaseURL string  `mapstructure:"base_url"`
	RPS     float64 `mapstructure:"rps"`
}

// NotionConfig holds destination adapter settings.
type NotionConfig struct {
	Token     string  `mapstructure:"token"`
	BaseURL   string  `mapstructure:"base_url"`
	TaskDB    string  `mapstructure:"task_db"`
	ProjectDB string  `mapstructure:"project_db"`
	AreaDB    string  `mapstructure:"area_db"`
	PeopleDB  string  `mapstructure:"people_db"`
	RPS       float64 `mapstructure:"rps"`
}

// WebhookConfig holds webhook ingress settings.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// ReconcileConfig holds the reconcile trigger endpoint settings.
type ReconcileConfig struct {
	Token string `mapstructure:"token"`
}

// HTTPConfig holds server settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// QueueConfig selects the queue backend. An empty URL uses the in-process
// queue; otherwise the URL points at a NATS server with JetStream enabled.
type QueueConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

// StateConfig selects the state store backend. An empty path uses the
// in-memory store (tests, dry runs); otherwise a sqlite file.
type StateConfig struct {
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("eligibility_tag", "capsync")
	v.SetDefault("area_names", DefaultAreaNames)
	v.SetDefault("skip_inbox", true)
	v.SetDefault("skip_recurring", true)
	v.SetDefault("auto_label", true)
	v.SetDefault("add_backlink", true)
	v.SetDefault("reconcile_interval", 2*time.Hour)
	v.SetDefault("worker_concurrency", 8)
	v.SetDefault("retry_max", 5)
	v.SetDefault("retry_base_delay", time.Second)
	v.SetDefault("handler_timeout", 30*time.Second)
	v.SetDefault("default_timezone", "UTC")
	v.SetDefault("todoist.base_url", "https://api.todoist.com")
	v.SetDefault("todoist.rps", 5.0)
	v.SetDefault("notion.base_url", "https://api.notion.com")
	v.SetDefault("notion.rps", 3.0)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("queue.stream", "CAPSYNC")
	v.SetDefault("state.namespace", "todoist-notion-v1")

	// Secrets and ids usually arrive via environment; declaring the keys
	// (even empty) is what lets AutomaticEnv feed Unmarshal.
	for _, key := range []string{
		"todoist.token", "notion.token",
		"notion.task_db", "notion.project_db", "notion.area_db", "notion.people_db",
		"webhook.secret", "reconcile.token",
		"queue.url", "state.path",
	} {
		v.SetDefault(key, "")
	}
}

// Load reads configuration from the given file path (optional) plus
// environment. The returned viper instance is retained for Watch.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("capsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errorsAs(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; env and defaults carry it.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, v, nil
}

// errorsAs is a tiny indirection so Load reads linearly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = err.(viper.ConfigFileNotFoundError)
	}
	return ok
}

// Validate checks the settings a server run cannot start without.
// Configuration and auth problems at startup are fatal by design; per-item
// errors never are.
func (c *Config) Validate() error {
	var missing []string
	if c.Todoist.Token == "" {
		missing = append(missing, "todoist.token")
	}
	if c.Notion.Token == "" {
		missing = append(missing, "notion.token")
	}
	if c.Notion.TaskDB == "" {
		missing = append(missing, "notion.task_db")
	}
	if c.Notion.ProjectDB == "" {
		missing = append(missing, "notion.project_db")
	}
	if c.Webhook.Secret == "" {
		missing = append(missing, "webhook.secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.EligibilityTag == "" {
		return fmt.Errorf("eligibility_tag must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be >= 1, got %d", c.WorkerConcurrency)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max must be >= 0, got %d", c.RetryMax)
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", c.DefaultTimezone, err)
	}
	return nil
}

// AreaSet returns the canonical area names as a set keyed by uppercase name.
func (c *Config) AreaSet() map[string]bool {
	set := make(map[string]bool, len(c.AreaNames))
	for _, name := range c.AreaNames {
		set[strings.ToUpper(strings.TrimSpace(name))] = true
	}
	return set
}

// Watch re-unmarshals the config file on change and hands the fresh Config to
// apply. Only tunables read through the returned snapshot pick up changes;
// connections established at startup do not.
func Watch(v *viper.Viper, apply func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Printf("[config] reload failed for %s: %v", e.Name, err)
			return
		}
		log.Printf("[config] reloaded %s", e.Name)
		apply(cfg)
	})
	v.WatchConfig()
}
