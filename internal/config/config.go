// Package config loads options from the config file and environment, and
// the jobs file with its watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/procexec/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every `env` tag.
const EnvPrefix = "PROCEXEC_"

var durationType = reflect.TypeOf(time.Duration(0))

// LoadConfig fills the struct pointed to by opts. Each field is taken from
// the first source that has it: a flag set on cmd's command line, the
// environment (`env` tag), the TOML file named by the Config field (`toml`
// tag, dotted for nested tables), or the value already in the field.
// A missing config file is not an error.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	pinned := changedFlags(cmd)

	var file map[string]any
	if f := v.FieldByName("Config"); f.IsValid() && f.Kind() == reflect.String && f.String() != "" {
		var err error
		if file, err = readTOML(f.String()); err != nil {
			return err
		}
	}

	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if pinned[flagName(field.Name)] {
			continue
		}
		target := v.Field(i)

		if key := field.Tag.Get("env"); key != "" {
			if raw, ok := os.LookupEnv(EnvPrefix + key); ok && raw != "" {
				if err := setFromString(target, raw); err != nil {
					return fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
				}
				continue
			}
		}
		if key := field.Tag.Get("toml"); key != "" && file != nil {
			if value, ok := lookup(file, key); ok {
				if err := setFromTOML(target, value); err != nil {
					return fmt.Errorf("config %s: %w", key, err)
				}
			}
		}
	}
	return nil
}

// changedFlags collects the names of flags given on the command line,
// including persistent flags inherited from parent commands.
func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	mark := func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	}
	for _, set := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags(), cmd.InheritedFlags()} {
		set.VisitAll(mark)
	}
	return changed
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}
	return doc, nil
}

// flagName maps a field name to its kebab-case flag, "LoggingLevel" to
// "logging-level".
func flagName(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookup resolves a dotted key such as "logging.level" in a decoded TOML
// document.
func lookup(doc map[string]any, key string) (any, bool) {
	head, rest, nested := strings.Cut(key, ".")
	value, ok := doc[head]
	if !ok || !nested {
		return value, ok
	}
	table, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(table, rest)
}

// setFromTOML assigns a decoded TOML value. Durations accept strings
// ("30s") or integer seconds. Values of the wrong TOML type are ignored.
func setFromTOML(field reflect.Value, value any) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		switch d := value.(type) {
		case string:
			return setFromString(field, d)
		case int64:
			field.SetInt(d * int64(time.Second))
		}
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if n, ok := value.(int64); ok {
			field.SetInt(n)
		}
	case reflect.Slice:
		items, ok := value.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		strs := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				strs = append(strs, s)
			}
		}
		field.Set(reflect.ValueOf(strs))
	}
	return nil
}

// setFromString parses an environment value into field. String slices are
// comma separated.
func setFromString(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	}
	return nil
}

// LoadLoggingConfig reads the [logging] table of the config file. Module
// levels may be given in [logging.modules] or as extra string keys of
// [logging]. A missing or unparsable file yields the defaults.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}
	if configPath == "" {
		return cfg
	}
	doc, err := readTOML(configPath)
	if err != nil || doc == nil {
		return cfg
	}
	table, _ := doc["logging"].(map[string]any)

	for key, value := range table {
		switch v := value.(type) {
		case string:
			switch key {
			case "level":
				cfg.Level = v
			case "format":
				cfg.Format = v
			default:
				cfg.Modules[key] = v
			}
		case int64:
			if key == "history" {
				cfg.History = int(v)
			}
		case map[string]any:
			if key != "modules" {
				continue
			}
			for module, level := range v {
				if s, ok := level.(string); ok {
					cfg.Modules[module] = s
				}
			}
		}
	}
	return cfg
}
