package config

import (
	"fmt"
	"os"
	"strings"

	"market-watch/internal/models"

	"gopkg.in/yaml.v3"
)

// PlatformsFile represents the YAML configuration structure
type PlatformsFile struct {
	Platforms []PlatformEntry `yaml:"platforms"`
}

type PlatformEntry struct {
	Exchange string   `yaml:"exchange"`
	Pairs    []string `yaml:"pairs"`
}

// DefaultPlatforms are watched when no platforms file is available.
var DefaultPlatforms = []models.Platform{
	models.NewPlatform("bitstamp", models.CurrencyPair{Base: "BTC", Quote: "USD"}),
	models.NewPlatform("bitstamp", models.CurrencyPair{Base: "ETH", Quote: "USD"}),
	models.NewPlatform("coinbase", models.CurrencyPair{Base: "BTC", Quote: "USD"}),
	models.NewPlatform("coinbase", models.CurrencyPair{Base: "ETH", Quote: "USD"}),
}

// LoadPlatformsFromYAML loads the watched platforms from a YAML file
func LoadPlatformsFromYAML(filePath string) ([]models.Platform, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read platforms file: %w", err)
	}

	var file PlatformsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse platforms YAML: %w", err)
	}

	seen := make(map[models.Platform]bool)
	var platforms []models.Platform
	for _, entry := range file.Platforms {
		exchange := strings.TrimSpace(entry.Exchange)
		if exchange == "" {
			return nil, fmt.Errorf("platform entry without exchange")
		}
		for _, raw := range entry.Pairs {
			pair, err := models.ParsePair(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", exchange, err)
			}
			p := models.NewPlatform(exchange, pair)
			if !seen[p] {
				seen[p] = true
				platforms = append(platforms, p)
			}
		}
	}

	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms found in config file")
	}

	return platforms, nil
}

// LoadPlatformsWithFallback tries to load from YAML, falls back to defaults
func LoadPlatformsWithFallback(filePath string) []models.Platform {
	platforms, err := LoadPlatformsFromYAML(filePath)
	if err != nil {
		return DefaultPlatforms
	}
	return platforms
}
