package config

// BrokerSettings holds configuration for connecting to a message broker.
// Type "none" disables broker-backed settlement and status notifications.
type BrokerSettings struct {
	Type               string `mapstructure:"type" validate:"oneof=none rabbitmq gcp-pubsub"`
	URL                string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange           string `mapstructure:"exchange"`            // status notifications
	SettlementExchange string `mapstructure:"settlement_exchange"` // settlement requests
	ProjectID          string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
	PoolSize           int    `mapstructure:"pool_size" validate:"gte=0"` // RabbitMQ channel pool
}
