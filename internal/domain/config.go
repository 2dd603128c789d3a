package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Orders     OrdersConfig     `json:"orders"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline configurations
	Intake   IntakeConfig   `json:"intake"`
	Ports    PortsConfig    `json:"ports"`
	Fusion   FusionConfig   `json:"fusion"`
	Matching MatchConfig    `json:"matching"`
	Decision DecisionConfig `json:"decision"`
	Dispatch DispatchConfig `json:"dispatch"`
	Emitter  EmitterConfig  `json:"emitter"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// SubmissionsPerMinute caps submissions per submitter (0 = unlimited).
	SubmissionsPerMinute int `json:"submissionsPerMinute"`
}

// OrdersConfig selects the pending-order view backing the matcher.
type OrdersConfig struct {
	// Backend is "memory" or "sql".
	Backend string `json:"backend"`

	// Database settings for the sql backend, typically a read replica
	// of the order system's pending-transaction view.
	Database RepositoryConfig `json:"database"`
}

// IntakeConfig holds image validation and dedup settings.
type IntakeConfig struct {
	// MaxImageBytes is the upload size ceiling.
	MaxImageBytes int `json:"maxImageBytes"`

	// MinWidth/MinHeight reject images too small to be readable proofs.
	MinWidth  int `json:"minWidth"`
	MinHeight int `json:"minHeight"`

	// MaxDimension bounds the normalized image's longest side.
	MaxDimension int `json:"maxDimension"`

	// DedupWindow is how long a fingerprint short-circuits reprocessing.
	DedupWindow time.Duration `json:"dedupWindow"`
}

// PortsConfig holds the external recognition/extraction adapters' settings.
type PortsConfig struct {
	// Recognition (OCR) service
	RecognitionEndpoint string        `json:"recognitionEndpoint"`
	RecognitionAPIKey   string        `json:"-"`
	RecognitionTimeout  time.Duration `json:"recognitionTimeout"`
	RecognitionRetry    RetryPolicy   `json:"recognitionRetry"`

	// Structured extraction (vision-language model)
	VisionAPIKey  string        `json:"-"`
	VisionModel   string        `json:"visionModel"`
	VisionTimeout time.Duration `json:"visionTimeout"`
	VisionRetry   RetryPolicy   `json:"visionRetry"`
}

// FusionConfig weighs the internal-consistency signals that make up an
// extraction's overall confidence.
type FusionConfig struct {
	AmountWeight     float64 `json:"amountWeight"`
	ReferenceWeight  float64 `json:"referenceWeight"`
	MethodWeight     float64 `json:"methodWeight"`
	TimestampWeight  float64 `json:"timestampWeight"`
	LegibilityWeight float64 `json:"legibilityWeight"`

	// SinglePortCeiling caps confidence when only one port succeeded, so
	// an uncorroborated extraction can never auto-approve.
	SinglePortCeiling float64 `json:"singlePortCeiling"`

	// CorroborationBoost/ContradictionPenalty adjust confidence when OCR
	// text confirms or contradicts the vision fields.
	CorroborationBoost   float64 `json:"corroborationBoost"`
	ContradictionPenalty float64 `json:"contradictionPenalty"`

	// MaxTimestampAge/MaxTimestampAhead bound a plausible proof timestamp.
	MaxTimestampAge   time.Duration `json:"maxTimestampAge"`
	MaxTimestampAhead time.Duration `json:"maxTimestampAhead"`
}

// MatchConfig weighs the per-candidate scoring signals.
type MatchConfig struct {
	AmountWeight     float64 `json:"amountWeight"`
	ReferenceWeight  float64 `json:"referenceWeight"`
	MethodWeight     float64 `json:"methodWeight"`
	TimestampWeight  float64 `json:"timestampWeight"`
	LegibilityWeight float64 `json:"legibilityWeight"`

	// AmountTolerance is the absolute sub-unit tolerance for amount
	// equality. Currency amounts must match precisely.
	AmountTolerance float64 `json:"amountTolerance"`

	// MinMatchFloor is the minimum score for a bestMatch to be set.
	MinMatchFloor float64 `json:"minMatchFloor"`

	// EligibleFloor is the minimum score for auto-approve eligibility.
	EligibleFloor float64 `json:"eligibleFloor"`

	// TieEpsilon: two top scores within this distance are a tie, which
	// always routes to manual review.
	TieEpsilon float64 `json:"tieEpsilon"`

	// CandidateWindow bounds how far back the candidate lookup reaches.
	CandidateWindow time.Duration `json:"candidateWindow"`
}

// DecisionBand maps a fused-confidence range to an outcome. Bands are
// table-driven because threshold tuning is an expected operational
// activity, not a code change.
type DecisionBand struct {
	Lower           float64  `json:"lower"`
	Upper           *float64 `json:"upper,omitempty"` // nil = unbounded
	Outcome         Outcome  `json:"outcome"`
	RequireMatch    bool     `json:"requireMatch"`
	RequireEligible bool     `json:"requireEligible"`
	Reason          string   `json:"reason"`
}

// DecisionConfig holds the outcome threshold table.
type DecisionConfig struct {
	Bands []DecisionBand `json:"bands"`
}

// DefaultDecisionBands returns the four-tier threshold table:
// auto / conditional / review / reject.
func DefaultDecisionBands() []DecisionBand {
	upper := func(v float64) *float64 { return &v }
	return []DecisionBand{
		{Lower: 0.95, Outcome: OutcomeAutoApproved, RequireMatch: true, RequireEligible: true, Reason: ReasonHighConfidenceMatch},
		{Lower: 0.85, Upper: upper(0.95), Outcome: OutcomeConditionalApproved, RequireMatch: true, Reason: ReasonConditionalBand},
		{Lower: 0.30, Upper: upper(0.85), Outcome: OutcomeManualReview, Reason: ReasonLowConfidence},
		{Lower: 0, Upper: upper(0.30), Outcome: OutcomeRejected, Reason: ReasonConfidenceFloor},
	}
}

// DispatchConfig bounds the worker pool.
type DispatchConfig struct {
	// Workers is the total pool size; HighPriorityWorkers of them only
	// take high-priority jobs.
	Workers             int `json:"workers"`
	HighPriorityWorkers int `json:"highPriorityWorkers"`

	// QueueSize bounds each priority queue.
	QueueSize int `json:"queueSize"`

	// MaxRetries bounds re-running a job that failed unexpectedly before
	// it is dead-lettered.
	MaxRetries   int           `json:"maxRetries"`
	RetryBackoff time.Duration `json:"retryBackoff"`

	// Per-stage timeouts. A stage timeout degrades that stage only.
	MatchingTimeout time.Duration `json:"matchingTimeout"`
	PersistTimeout  time.Duration `json:"persistTimeout"`
	EmitTimeout     time.Duration `json:"emitTimeout"`
}

// EmitterConfig bounds the at-least-once event redelivery.
type EmitterConfig struct {
	MaxRedeliveries int           `json:"maxRedeliveries"`
	RetryDelay      time.Duration `json:"retryDelay"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache, channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "0.0.0.0",
			Port:                 8080,
			ReadTimeout:          30,
			WriteTimeout:         30,
			SubmissionsPerMinute: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Orders: OrdersConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Intake: IntakeConfig{
			MaxImageBytes: 8 << 20, // 8 MiB
			MinWidth:      200,
			MinHeight:     200,
			MaxDimension:  2000,
			DedupWindow:   24 * time.Hour,
		},
		Ports: PortsConfig{
			RecognitionTimeout: 30 * time.Second,
			RecognitionRetry:   DefaultRetryPolicy(),
			VisionModel:        "gemini-2.5-flash",
			VisionTimeout:      45 * time.Second,
			VisionRetry:        DefaultRetryPolicy(),
		},
		Fusion: FusionConfig{
			AmountWeight:         0.30,
			ReferenceWeight:      0.25,
			MethodWeight:         0.20,
			TimestampWeight:      0.15,
			LegibilityWeight:     0.10,
			SinglePortCeiling:    0.84,
			CorroborationBoost:   0.08,
			ContradictionPenalty: 0.25,
			MaxTimestampAge:      72 * time.Hour,
			MaxTimestampAhead:    time.Hour,
		},
		Matching: MatchConfig{
			AmountWeight:     0.30,
			ReferenceWeight:  0.25,
			MethodWeight:     0.20,
			TimestampWeight:  0.15,
			LegibilityWeight: 0.10,
			AmountTolerance:  0.005,
			MinMatchFloor:    0.60,
			EligibleFloor:    0.80,
			TieEpsilon:       1e-9,
			CandidateWindow:  72 * time.Hour,
		},
		Decision: DecisionConfig{
			Bands: DefaultDecisionBands(),
		},
		Dispatch: DispatchConfig{
			Workers:             8,
			HighPriorityWorkers: 2,
			QueueSize:           256,
			MaxRetries:          2,
			RetryBackoff:        2 * time.Second,
			MatchingTimeout:     10 * time.Second,
			PersistTimeout:      10 * time.Second,
			EmitTimeout:         5 * time.Second,
		},
		Emitter: EmitterConfig{
			MaxRedeliveries: 3,
			RetryDelay:      time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a multi-node configuration: PostgreSQL, two-phase
// Redis cache, NATS bus.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Orders = OrdersConfig{
		Backend: "sql",
		Database: RepositoryConfig{
			Driver:       "postgres",
			PostgresHost: "localhost",
			PostgresPort: 5432,
			PostgresDB:   "kestrel_orders",
		},
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
