package config

// DbSettings selects and configures the event store backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"oneof=memory postgres sqlite mongo spanner"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres,required_if=Type sqlite"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	Name       string `mapstructure:"name"`       // mongo database
	Collection string `mapstructure:"collection"` // mongo collection
}
