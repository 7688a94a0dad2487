package config

// DbSettings selects and configures the service's own data store.
type DbSettings struct {
	Type         string `mapstructure:"type" validate:"oneof=postgres spanner mongo memory"`
	DSN          string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI          string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	DBName       string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}
