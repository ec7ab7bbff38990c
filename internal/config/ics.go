package config

import (
	"fmt"
	"time"
)

// ICSConfig feeds the PRODID written into generated iTIP messages.
type ICSConfig struct {
	CompanyName string
	ProductName string
	Version     string
	Language    string
}

func (cfg *ICSConfig) BuildProdID() string {
	if cfg.Version == "" {
		return fmt.Sprintf("-//%s//%s//%s", cfg.CompanyName, cfg.ProductName, cfg.Language)
	}
	return fmt.Sprintf("-//%s//%s %s//%s", cfg.CompanyName, cfg.ProductName, cfg.Version, cfg.Language)
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
