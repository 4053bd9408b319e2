package config

import (
	"fmt"
)

// DatabaseConfig holds PostgreSQL database configuration for the token store
type DatabaseConfig struct {
	Host     string `env:"IDP_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"IDP_PG_PORT" env-default:"5432"`
	Database string `env:"IDP_PG_DATABASE" env-default:"idp_db"`
	User     string `env:"IDP_PG_USER" env-default:"idp"`
	Password string `env:"IDP_PG_PASSWORD" env-default:"pwd"`
	Schema   string `env:"IDP_PG_SCHEMA" env-default:"public"`
}

// ToDatabaseURL converts the config to a PostgreSQL connection URL
func (d DatabaseConfig) ToDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s,public",
		d.User, d.Password, d.Host, d.Port, d.Database, d.Schema)
}
