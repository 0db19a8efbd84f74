// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/stockrunner/internal/fly"
	"github.com/cardinalhq/stockrunner/internal/healthcheck"
	"github.com/cardinalhq/stockrunner/internal/intake"
	"github.com/cardinalhq/stockrunner/internal/lookup"
	"github.com/cardinalhq/stockrunner/internal/reliable"
	"github.com/cardinalhq/stockrunner/internal/scheduler"
	"github.com/cardinalhq/stockrunner/internal/sweeper"
)

const (
	BackendLocal = "local"
	BackendKafka = "kafka"
)

// DefaultTenants are the stores accepted when none are configured.
var DefaultTenants = []string{
	"walmart", "samsclub", "homedepot", "lowes", "target", "gamestop", "costco",
	"sephora", "kohls", "dollargeneral", "bjs", "bestbuy", "ace",
}

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	// Backend selects where accepted work runs: "local" or "kafka".
	Backend string `mapstructure:"backend"`

	Tenants []string `mapstructure:"tenants"`
	// ExtendedTenants store MSRP and per-store floor detail.
	ExtendedTenants []string `mapstructure:"extended_tenants"`

	Scheduler scheduler.Config   `mapstructure:"scheduler"`
	Lookup    lookup.Config      `mapstructure:"lookup"`
	Intake    intake.Config      `mapstructure:"intake"`
	Reliable  reliable.Config    `mapstructure:"reliable"`
	Health    healthcheck.Config `mapstructure:"health"`
	Sweeper   sweeper.Config     `mapstructure:"sweeper"`
	Kafka     fly.Config         `mapstructure:"kafka"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "STOCKRUNNER" and the dot character
// in keys is replaced by an underscore. For example, "kafka.brokers" becomes
// "STOCKRUNNER_KAFKA_BROKERS".
func Load() (*Config, error) {
	cfg := &Config{
		Backend:         BackendLocal,
		Tenants:         append([]string(nil), DefaultTenants...),
		ExtendedTenants: []string{"walmart"},
		Scheduler:       scheduler.DefaultConfig(),
		Lookup:          lookup.DefaultConfig(),
		Intake:          intake.DefaultConfig(),
		Reliable:        reliable.DefaultConfig(),
		Health:          healthcheck.DefaultConfig(),
		Sweeper:         sweeper.DefaultConfig(),
		Kafka:           *fly.DefaultConfig(),
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("STOCKRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b := v.GetString("kafka.brokers"); b != "" {
		cfg.Kafka.Brokers = splitList(b)
	}
	if t := v.GetString("tenants"); t != "" {
		cfg.Tenants = splitList(t)
	}
	if t := v.GetString("extended_tenants"); t != "" {
		cfg.ExtendedTenants = splitList(t)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendKafka:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendLocal, BackendKafka)
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("no tenants configured")
	}
	if c.Backend == BackendKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka backend needs at least one broker")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
