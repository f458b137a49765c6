package config

import "time"

// EngineSettings tunes the processing engine.
type EngineSettings struct {
	Workers      int           `mapstructure:"workers" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	MaxBackoff   time.Duration `mapstructure:"max_backoff" validate:"gtefield=RetryBackoff"`
	ClaimTimeout time.Duration `mapstructure:"claim_timeout" validate:"gt=0"`
}

// SettlementSettings selects how corporate actions are settled.
type SettlementSettings struct {
	Mode        string        `mapstructure:"mode" validate:"oneof=simulated broker"`
	FailureRate float64       `mapstructure:"failure_rate" validate:"gte=0,lte=1"`
	Delay       time.Duration `mapstructure:"delay" validate:"gte=0"`
}

// ServerSettings configures the HTTP boundary.
type ServerSettings struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}
