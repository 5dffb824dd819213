// Package config centralises runtime configuration for the trustflow pipeline.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the configuration tree loaded from defaults and yaml overrides.
type Config struct {
	Environment string            `yaml:"environment"`
	Queue       QueueConfig       `yaml:"queue"`
	Router      RouterConfig      `yaml:"router"`
	Prioritizer PrioritizerConfig `yaml:"prioritizer"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	Adapters    AdaptersConfig    `yaml:"adapters"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
}

// QueueConfig sizes the topic queues and their retry behaviour.
type QueueConfig struct {
	MaxQueueSize        int  `yaml:"maxQueueSize"`
	MaxRetryAttempts    int  `yaml:"maxRetryAttempts"`
	RetryBaseDelayMs    int  `yaml:"retryBaseDelayMs"`
	EnableBatching      bool `yaml:"enableBatching"`
	EnableDeduplication bool `yaml:"enableDeduplication"`
	EnableConflation    bool `yaml:"enableConflation"`
	MaxBatchSize        int  `yaml:"maxBatchSize"`
	PartitionCount      int  `yaml:"partitionCount"`
}

// RetryBaseDelay returns the base retry delay as a duration.
func (c QueueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c QueueConfig) normalize() QueueConfig {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 10000
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = 1000
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 25
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = 1
	}
	return c
}

// RouterConfig tunes routing thresholds and cooldowns.
type RouterConfig struct {
	UpdateThresholds       map[string]float64 `yaml:"updateThresholds"`
	NotificationThresholds map[string]float64 `yaml:"notificationThresholds"`
	EnableSmartRouting     bool               `yaml:"enableSmartRouting"`
	// CooldownPeriodsMs is keyed by entity type.
	CooldownPeriodsMs map[string]int `yaml:"cooldownPeriods"`
	// Deterministic selects the token-bucket gate instead of random sampling.
	Deterministic bool   `yaml:"deterministic"`
	Seed          uint64 `yaml:"seed"`
}

// Cooldown returns the configured cooldown for an entity type.
func (c RouterConfig) Cooldown(entityType string) time.Duration {
	if ms, ok := c.CooldownPeriodsMs[entityType]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

func (c RouterConfig) normalize() RouterConfig {
	if c.CooldownPeriodsMs == nil {
		c.CooldownPeriodsMs = map[string]int{}
	}
	defaults := map[string]int{
		"nft":        60_000,
		"collection": 300_000,
		"creator":    600_000,
		"market":     900_000,
	}
	for k, v := range defaults {
		if c.CooldownPeriodsMs[k] <= 0 {
			c.CooldownPeriodsMs[k] = v
		}
	}
	if c.UpdateThresholds == nil {
		c.UpdateThresholds = map[string]float64{}
	}
	if c.NotificationThresholds == nil {
		c.NotificationThresholds = map[string]float64{}
	}
	return c
}

// PrioritizerConfig tunes the priority scalar computation.
type PrioritizerConfig struct {
	BasePriorities                      map[string]int `yaml:"basePriorities"`
	EntityTypeModifiers                 map[string]int `yaml:"entityTypeModifiers"`
	SourceModifiers                     map[string]int `yaml:"sourceModifiers"`
	EnableDynamicPriority               bool           `yaml:"enableDynamicPriority"`
	SignificantPriceChangeThreshold     float64        `yaml:"significantPriceChangeThreshold"`
	SignificantFraudConfidenceThreshold float64        `yaml:"significantFraudConfidenceThreshold"`
}

func (c PrioritizerConfig) normalize() PrioritizerConfig {
	if c.BasePriorities == nil {
		c.BasePriorities = map[string]int{}
	}
	if c.EntityTypeModifiers == nil {
		c.EntityTypeModifiers = map[string]int{}
	}
	if c.SourceModifiers == nil {
		c.SourceModifiers = map[string]int{}
	}
	if c.SignificantPriceChangeThreshold <= 0 {
		c.SignificantPriceChangeThreshold = 20
	}
	if c.SignificantFraudConfidenceThreshold <= 0 {
		c.SignificantFraudConfidenceThreshold = 0.8
	}
	return c
}

// Threshold carries a two-level alerting threshold for one metric.
type Threshold struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// MonitorConfig tunes performance metric collection.
type MonitorConfig struct {
	CollectionFrequencyMs int                  `yaml:"collectionFrequencyMs"`
	RetentionPeriodMs     int64                `yaml:"retentionPeriodMs"`
	TrendWindowMs         int64                `yaml:"trendWindowMs"`
	Thresholds            map[string]Threshold `yaml:"thresholds"`
}

// CollectionFrequency returns the collection cadence as a duration.
func (c MonitorConfig) CollectionFrequency() time.Duration {
	return time.Duration(c.CollectionFrequencyMs) * time.Millisecond
}

// RetentionPeriod returns the sample retention window.
func (c MonitorConfig) RetentionPeriod() time.Duration {
	return time.Duration(c.RetentionPeriodMs) * time.Millisecond
}

// TrendWindow returns the regression window for trend detection.
func (c MonitorConfig) TrendWindow() time.Duration {
	return time.Duration(c.TrendWindowMs) * time.Millisecond
}

func (c MonitorConfig) normalize() MonitorConfig {
	if c.CollectionFrequencyMs <= 0 {
		c.CollectionFrequencyMs = 5000
	}
	if c.RetentionPeriodMs <= 0 {
		c.RetentionPeriodMs = (24 * time.Hour).Milliseconds()
	}
	if c.TrendWindowMs <= 0 {
		c.TrendWindowMs = time.Hour.Milliseconds()
	}
	if c.Thresholds == nil {
		c.Thresholds = map[string]Threshold{}
	}
	return c
}

// Allocation describes the resource envelope the pipeline runs within.
type Allocation struct {
	ProcessingUnits  int `yaml:"processingUnits" json:"processingUnits"`
	MemoryMB         int `yaml:"memoryMB" json:"memoryMB"`
	ConcurrencyLevel int `yaml:"concurrencyLevel" json:"concurrencyLevel"`
}

// ScalingRule drives metric-based capacity changes.
type ScalingRule struct {
	Name               string  `yaml:"name"`
	Metric             string  `yaml:"metric"`
	ScaleUpThreshold   float64 `yaml:"scaleUpThreshold"`
	ScaleDownThreshold float64 `yaml:"scaleDownThreshold"`
	CooldownMs         int     `yaml:"cooldownMs"`
	MinCapacity        int     `yaml:"minCapacity"`
	MaxCapacity        int     `yaml:"maxCapacity"`
	Increment          int     `yaml:"increment"`
}

// Cooldown returns the rule cooldown as a duration.
func (r ScalingRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// CapacityConfig tunes auto-scaling and load shedding.
type CapacityConfig struct {
	CheckIntervalMs       int           `yaml:"checkIntervalMs"`
	InitialAllocation     Allocation    `yaml:"initialAllocation"`
	LoadSheddingThreshold float64       `yaml:"loadSheddingThreshold"`
	ScalingRules          []ScalingRule `yaml:"scalingRules"`
}

// CheckInterval returns the scheduled-change check cadence.
func (c CapacityConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

func (c CapacityConfig) normalize() CapacityConfig {
	if c.CheckIntervalMs <= 0 {
		c.CheckIntervalMs = 10000
	}
	if c.InitialAllocation.ProcessingUnits <= 0 {
		c.InitialAllocation.ProcessingUnits = 4
	}
	if c.InitialAllocation.MemoryMB <= 0 {
		c.InitialAllocation.MemoryMB = 1024
	}
	if c.InitialAllocation.ConcurrencyLevel <= 0 {
		c.InitialAllocation.ConcurrencyLevel = 8
	}
	if c.LoadSheddingThreshold <= 0 || c.LoadSheddingThreshold > 1 {
		c.LoadSheddingThreshold = 0.9
	}
	for i, rule := range c.ScalingRules {
		if rule.CooldownMs <= 0 {
			rule.CooldownMs = 60000
		}
		if rule.MinCapacity <= 0 {
			rule.MinCapacity = 1
		}
		if rule.MaxCapacity <= 0 {
			rule.MaxCapacity = 32
		}
		if rule.Increment <= 0 {
			rule.Increment = 1
		}
		c.ScalingRules[i] = rule
	}
	return c
}

// FraudAdapterConfig tunes the push webhook adapter.
type FraudAdapterConfig struct {
	EnabledKinds      []string `yaml:"enabledKinds"`
	MaxQueueSize      int      `yaml:"maxQueueSize"`
	MaxRetries        int      `yaml:"maxRetries"`
	RetryBaseDelayMs  int      `yaml:"retryBaseDelayMs"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	BatchSize         int      `yaml:"batchSize"`
	ProcessIntervalMs int      `yaml:"processIntervalMs"`
}

// ProcessInterval returns the batch-worker cadence.
func (c FraudAdapterConfig) ProcessInterval() time.Duration {
	return time.Duration(c.ProcessIntervalMs) * time.Millisecond
}

// RetryBaseDelay returns the base delivery backoff as a duration.
func (c FraudAdapterConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c FraudAdapterConfig) normalize() FraudAdapterConfig {
	if len(c.EnabledKinds) == 0 {
		c.EnabledKinds = []string{"image_analysis", "similarity_score", "wash_trading", "metadata_validation"}
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = 1000
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.ProcessIntervalMs <= 0 {
		c.ProcessIntervalMs = 1000
	}
	return c
}

// PollerConfig tunes a pull adapter.
type PollerConfig struct {
	// Endpoint is the base URL of the aggregation service the poller samples.
	// The poller is disabled when empty.
	Endpoint       string   `yaml:"endpoint"`
	PollIntervalMs int      `yaml:"pollIntervalMs"`
	MaxRetries     int      `yaml:"maxRetries"`
	Providers      []string `yaml:"providers"`
	// HistoryWindow is the number of samples retained for sigma baselines.
	HistoryWindow int `yaml:"historyWindow"`
}

// PollInterval returns the poll cadence.
func (c PollerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c PollerConfig) normalize() PollerConfig {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 30000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	return c
}

// ChainAdapterConfig tunes the blockchain stream adapter.
type ChainAdapterConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// AdaptersConfig aggregates all source adapter configuration.
type AdaptersConfig struct {
	Fraud  FraudAdapterConfig `yaml:"fraud"`
	Social PollerConfig       `yaml:"social"`
	Market PollerConfig       `yaml:"market"`
	Chain  ChainAdapterConfig `yaml:"chain"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DatabaseConfig enables the optional durable queue backing. Migrations are
// embedded and applied on startup when a DSN is set.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadHeaderTimeoutMs int    `yaml:"readHeaderTimeoutMs"`
}

// ReadHeaderTimeout returns the header read timeout.
func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutMs) * time.Millisecond
}

func (c ServerConfig) normalize() ServerConfig {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8087"
	}
	if c.ReadHeaderTimeoutMs <= 0 {
		c.ReadHeaderTimeoutMs = 5000
	}
	return c
}

// Default returns the fully-normalized default configuration.
func Default() Config {
	cfg := Config{
		Environment: "prod",
		Queue: QueueConfig{
			EnableBatching:      true,
			EnableDeduplication: true,
			EnableConflation:    true,
		},
		Router: RouterConfig{EnableSmartRouting: true},
		Prioritizer: PrioritizerConfig{
			EnableDynamicPriority: true,
		},
	}
	return cfg.Normalize()
}

// Normalize applies per-section defaulting to the whole tree.
func (c Config) Normalize() Config {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "prod"
	}
	c.Queue = c.Queue.normalize()
	c.Router = c.Router.normalize()
	c.Prioritizer = c.Prioritizer.normalize()
	c.Monitor = c.Monitor.normalize()
	c.Capacity = c.Capacity.normalize()
	c.Adapters.Fraud = c.Adapters.Fraud.normalize()
	c.Adapters.Social = c.Adapters.Social.normalize()
	c.Adapters.Market = c.Adapters.Market.normalize()
	c.Server = c.Server.normalize()
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "trustflow-pipeline"
	}
	return c
}

// LoadOrDefault reads yaml configuration from path, falling back to defaults
// when the file does not exist. The second return reports whether a file was
// loaded.
func LoadOrDefault(path string) (Config, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.Normalize(), true, nil
}
