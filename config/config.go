package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to a settings key to form its environment variable,
// so MAILHOST is read from SIRIUSONE_MAILHOST.
const EnvPrefix = "SIRIUSONE_"

// Bus transports.
const (
	BusKafka  = "kafka"
	BusMQTT   = "mqtt"
	BusMemory = "memory"
)

// Config captures all options required to run the bridge.
type Config struct {
	MailHost           string
	MailPort           int
	MailUser           string
	MailPassword       string
	MailTLS            string
	InsecureSkipVerify bool
	Subfolder          string

	RegisterClassName string
	ApplicationName   string

	Bus           string
	Codec         string
	KafkaBrokers  []string
	KafkaGroupID  string
	MQTTBroker    string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTQoS       int
	ExchangeTopic string
	EventBusTopic string
	ResponseTopic string

	PollInterval        time.Duration
	PollTimeout         time.Duration
	SendTimeout         time.Duration
	RetryInterval       time.Duration
	RegisterTimeout     time.Duration
	RequireRegistration bool
	PendingCapacity     int
	PendingTTL          time.Duration
	DedupeCapacity      int

	Include []string
	Exclude []string

	StatusAddr string
	LogLevel   string
	LogDir     string
	EnvFile    string
	Settings   string
}

// settingFlags maps the flat settings keys to the flags they feed.
var settingFlags = []struct {
	key  string
	flag string
}{
	{"MAILHOST", "mail-host"},
	{"MAILPORT", "mail-port"},
	{"USERNAME", "mail-user"},
	{"PSW", "mail-password"},
	{"SUBFOLDER", "subfolder"},
	{"MAILTLS", "mail-tls"},
	{"REGISTER_CLASS_NAME", "register-class-name"},
	{"APPLICATION_NAME", "application-name"},
	{"BUS", "bus"},
	{"KAFKA_BROKERS", "kafka-brokers"},
	{"MQTT_BROKER", "mqtt-broker"},
	{"POLL_INTERVAL", "poll-interval"},
}

// SettingKeys returns the flat settings keys the bridge reads.
func SettingKeys() []string {
	keys := make([]string, 0, len(settingFlags))
	for _, s := range settingFlags {
		keys = append(keys, s.key)
	}
	return keys
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so subcommands read the same configuration.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("mail-host", "", "Mail server hostname (MAILHOST)")
	flags.Int("mail-port", 143, "Mail server port (MAILPORT)")
	flags.String("mail-user", "", "Mail account username (USERNAME)")
	flags.String("mail-password", "", "Mail account password (PSW)")
	flags.String("mail-tls", "starttls", "Mail connection security: tls, starttls, none (MAILTLS)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("subfolder", "", "Folder below INBOX to poll instead of INBOX (SUBFOLDER)")

	flags.String("register-class-name", "eu.europa.ec.fisheries.uvms.plugins.siriusone", "Service class name announced on registration (REGISTER_CLASS_NAME)")
	flags.String("application-name", "siriusone", "Application name announced on registration (APPLICATION_NAME)")

	flags.String("bus", BusKafka, "Message bus transport: kafka, mqtt, memory (BUS)")
	flags.String("codec", "json", "Payload codec: json, cbor")
	flags.StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka broker addresses (KAFKA_BROKERS)")
	flags.String("kafka-group-id", "", "Kafka consumer group for acknowledgments (defaults to the plugin name)")
	flags.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL (MQTT_BROKER)")
	flags.String("mqtt-client-id", "", "MQTT client id (generated when empty)")
	flags.String("mqtt-user", "", "MQTT username")
	flags.String("mqtt-password", "", "MQTT password")
	flags.Int("mqtt-qos", 1, "MQTT quality of service: 0, 1, 2")
	flags.String("exchange-topic", "UVMSExchangeEvent", "Destination for movement reports")
	flags.String("eventbus-topic", "EventBus", "Destination for register and unregister requests")
	flags.String("response-topic", "UVMSPluginResponse", "Source of acknowledgments and pings")

	flags.Duration("poll-interval", 10*time.Second, "Delay between mailbox polls (POLL_INTERVAL)")
	flags.Duration("poll-timeout", time.Minute, "Upper bound for a single poll cycle")
	flags.Duration("send-timeout", 10*time.Second, "Upper bound for a single bus send")
	flags.Duration("retry-interval", time.Minute, "Delay between pending cache retries (0 disables)")
	flags.Duration("register-timeout", time.Minute, "Time to wait for a register acknowledgment")
	flags.Bool("require-registration", true, "Poll only while registered")
	flags.Int("pending-cap", 1000, "Maximum number of undelivered reports kept for retry")
	flags.Duration("pending-ttl", 24*time.Hour, "Age after which undelivered reports are dropped")
	flags.Int("dedupe-cap", 10000, "Number of delivered report fingerprints remembered")

	flags.StringArray("include", nil, "Mail filter allow-list, \"Header: regex\" or a regex over the header block (mutually exclusive with --exclude)")
	flags.StringArray("exclude", nil, "Mail filter block-list, \"Header: regex\" or a regex over the header block (mutually exclusive with --include)")

	flags.String("status-addr", "127.0.0.1:8089", "Listen address of the status endpoint (empty disables)")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
	flags.String("env-file", ".env", "Optional .env file with SIRIUSONE_ settings")
	flags.String("settings", "", "Optional YAML file with flat settings keys")

	return nil
}

// LoadConfig merges the configuration sources into a Config and validates it.
// Sources, lowest precedence first: the .env file, the process environment,
// the settings file, explicitly set flags.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	settingsPath, err := flags.GetString("settings")
	if err != nil {
		return Config{}, err
	}

	settings, err := gatherSettings(envFile, settingsPath)
	if err != nil {
		return Config{}, err
	}
	if err := applySettings(flags, settings); err != nil {
		return Config{}, err
	}

	cfg, err := readFlags(flags)
	if err != nil {
		return Config{}, err
	}
	cfg.EnvFile = envFile
	cfg.Settings = settingsPath

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// gatherSettings collects the flat settings from the environment and the
// settings file, the file winning.
func gatherSettings(envFile, settingsPath string) (map[string]string, error) {
	if envFile != "" {
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	settings := make(map[string]string)
	for _, s := range settingFlags {
		if v, ok := os.LookupEnv(EnvPrefix + s.key); ok {
			settings[s.key] = v
		}
	}

	if settingsPath == "" {
		return settings, nil
	}
	fromFile, err := readSettingsFile(settingsPath)
	if err != nil {
		return nil, err
	}
	for k, v := range fromFile {
		settings[k] = v
	}
	return settings, nil
}

func readSettingsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// applySettings feeds settings into every flag the user did not set on the
// command line.
func applySettings(flags *pflag.FlagSet, settings map[string]string) error {
	for _, s := range settingFlags {
		v, ok := settings[s.key]
		if !ok {
			continue
		}
		f := flags.Lookup(s.flag)
		if f == nil || f.Changed {
			continue
		}
		if err := flags.Set(s.flag, v); err != nil {
			return fmt.Errorf("setting %s: %w", s.key, err)
		}
	}
	return nil
}

func readFlags(flags *pflag.FlagSet) (Config, error) {
	var (
		cfg  Config
		errs []error
	)
	str := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return v
	}
	integer := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	boolean := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	duration := func(name string) time.Duration {
		v, err := flags.GetDuration(name)
		errs = append(errs, err)
		return v
	}
	array := func(name string) []string {
		v, err := flags.GetStringArray(name)
		errs = append(errs, err)
		return v
	}

	cfg.MailHost = strings.TrimSpace(str("mail-host"))
	cfg.MailPort = integer("mail-port")
	cfg.MailUser = str("mail-user")
	cfg.MailPassword = str("mail-password")
	cfg.MailTLS = strings.ToLower(str("mail-tls"))
	cfg.InsecureSkipVerify = boolean("insecure-skip-verify")
	cfg.Subfolder = strings.TrimSpace(str("subfolder"))

	cfg.RegisterClassName = str("register-class-name")
	cfg.ApplicationName = str("application-name")

	cfg.Bus = strings.ToLower(str("bus"))
	cfg.Codec = strings.ToLower(str("codec"))
	brokers, err := flags.GetStringSlice("kafka-brokers")
	errs = append(errs, err)
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	cfg.KafkaGroupID = str("kafka-group-id")
	cfg.MQTTBroker = str("mqtt-broker")
	cfg.MQTTClientID = str("mqtt-client-id")
	cfg.MQTTUsername = str("mqtt-user")
	cfg.MQTTPassword = str("mqtt-password")
	cfg.MQTTQoS = integer("mqtt-qos")
	cfg.ExchangeTopic = str("exchange-topic")
	cfg.EventBusTopic = str("eventbus-topic")
	cfg.ResponseTopic = str("response-topic")

	cfg.PollInterval = duration("poll-interval")
	cfg.PollTimeout = duration("poll-timeout")
	cfg.SendTimeout = duration("send-timeout")
	cfg.RetryInterval = duration("retry-interval")
	cfg.RegisterTimeout = duration("register-timeout")
	cfg.RequireRegistration = boolean("require-registration")
	cfg.PendingCapacity = integer("pending-cap")
	cfg.PendingTTL = duration("pending-ttl")
	cfg.DedupeCapacity = integer("dedupe-cap")

	cfg.Include = array("include")
	cfg.Exclude = array("exclude")

	cfg.StatusAddr = str("status-addr")
	cfg.LogDir = str("log-dir")
	cfg.LogLevel = strings.ToLower(str("log-level"))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.RegisterClassName == "" || cfg.ApplicationName == "" {
		return fmt.Errorf("--register-class-name and --application-name are required")
	}

	switch cfg.Bus {
	case BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("--kafka-brokers is required for the kafka bus")
		}
	case BusMQTT:
		if cfg.MQTTBroker == "" {
			return fmt.Errorf("--mqtt-broker is required for the mqtt bus")
		}
		if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
			return fmt.Errorf("--mqtt-qos must be 0, 1 or 2")
		}
	case BusMemory:
	default:
		return fmt.Errorf("invalid --bus: %s", cfg.Bus)
	}
	if cfg.ExchangeTopic == "" || cfg.EventBusTopic == "" || cfg.ResponseTopic == "" {
		return fmt.Errorf("exchange, event bus and response topics must not be empty")
	}

	switch cfg.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("invalid --codec: %s", cfg.Codec)
	}

	switch cfg.MailTLS {
	case "tls", "starttls", "none":
	default:
		return fmt.Errorf("invalid --mail-tls: %s", cfg.MailTLS)
	}
	if cfg.MailPort <= 0 || cfg.MailPort > 65535 {
		return fmt.Errorf("--mail-port must be between 1 and 65535")
	}

	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive")
	}
	if cfg.PollTimeout <= 0 || cfg.SendTimeout <= 0 || cfg.RegisterTimeout <= 0 {
		return fmt.Errorf("--poll-timeout, --send-timeout and --register-timeout must be positive")
	}
	if cfg.RetryInterval < 0 {
		return fmt.Errorf("--retry-interval must not be negative")
	}
	if cfg.PendingCapacity <= 0 || cfg.DedupeCapacity <= 0 {
		return fmt.Errorf("--pending-cap and --dedupe-cap must be positive")
	}
	if cfg.PendingTTL < 0 {
		return fmt.Errorf("--pending-ttl must not be negative")
	}

	if len(cfg.Include) > 0 && len(cfg.Exclude) > 0 {
		return fmt.Errorf("--include and --exclude are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// RequireMailStore reports whether the mail server settings needed for
// polling are present.
func (c Config) RequireMailStore() error {
	if c.MailHost == "" {
		return fmt.Errorf("--mail-host (MAILHOST) is required")
	}
	if c.MailUser == "" {
		return fmt.Errorf("--mail-user (USERNAME) is required")
	}
	if c.MailPassword == "" {
		return fmt.Errorf("mail password must be provided via --mail-password, %sPSW or the settings file", EnvPrefix)
	}
	return nil
}
