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

package intake

// Config holds API server settings.
type Config struct {
	Port          int    `mapstructure:"port"`
	UploadDir     string `mapstructure:"upload_dir"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`

	ItemColumn     string `mapstructure:"item_column"`
	LocationColumn string `mapstructure:"location_column"`
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		UploadDir:      "uploads",
		MaxUploadSize:  64 << 20,
		ItemColumn:     "upc",
		LocationColumn: "zip",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.UploadDir == "" {
		c.UploadDir = def.UploadDir
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = def.MaxUploadSize
	}
	if c.ItemColumn == "" {
		c.ItemColumn = def.ItemColumn
	}
	if c.LocationColumn == "" {
		c.LocationColumn = def.LocationColumn
	}
	return c
}
