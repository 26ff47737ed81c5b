package ratelimit

import (
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// EntryConfig describes one limit entry for a command.
type EntryConfig struct {
	Name        string   `yaml:"name"`
	Class       string   `yaml:"class"`
	Limit       int      `yaml:"limit"`
	WindowSec   float64  `yaml:"window_seconds"`
	CooldownSec float64  `yaml:"cooldown_seconds"`
	Scope       string   `yaml:"scope"`
	Levels      []string `yaml:"levels"`
}

// Table maps a command name to its limit entries.
type Table map[string][]EntryConfig

// LoadTableFile reads a YAML rate-limit table.
func LoadTableFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: read table %s: %w", path, err)
	}
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("ratelimit: parse table %s: %w", path, err)
	}
	return table, nil
}

// ParseTableJSON parses the RATE_LIMITS environment payload. The value is a
// JSON object keyed by command; each value is a single entry object or an
// array of them. Malformed input yields an empty table rather than an error
// so one bad env var cannot block startup.
func ParseTableJSON(raw string) Table {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return nil
	}

	table := make(Table)
	parsed.ForEach(func(command, value gjson.Result) bool {
		var entries []EntryConfig
		if value.IsArray() {
			for _, item := range value.Array() {
				if item.IsObject() {
					entries = append(entries, entryFromJSON(item))
				}
			}
		} else if value.IsObject() {
			entries = append(entries, entryFromJSON(value))
		}
		if len(entries) > 0 {
			table[command.String()] = entries
		}
		return true
	})
	if len(table) == 0 {
		return nil
	}
	return table
}

func entryFromJSON(item gjson.Result) EntryConfig {
	entry := EntryConfig{
		Name:        item.Get("name").String(),
		Class:       item.Get("class").String(),
		Limit:       int(item.Get("limit").Int()),
		CooldownSec: firstFloat(item, "cooldown_seconds", "cooldown"),
		Scope:       item.Get("scope").String(),
	}
	entry.WindowSec = firstFloat(item, "window_seconds", "window", "interval_seconds", "interval", "per_seconds", "per")
	for _, level := range item.Get("levels").Array() {
		entry.Levels = append(entry.Levels, level.String())
	}
	if lv := item.Get("levels"); lv.Type == gjson.String {
		entry.Levels = append(entry.Levels, lv.String())
	}
	return entry
}

func firstFloat(item gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if v := item.Get(key); v.Exists() {
			return v.Float()
		}
	}
	return 0
}
