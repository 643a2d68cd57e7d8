package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/oleiade/reflections"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/buildkite/rcssd/internal/osutil"
)

// Loader fills in a Config from (in increasing priority) its defaults, an
// optional YAML file, and urfave/cli flags/environment, following the same
// struct-tag-driven approach as buildkite-agent's cliconfig.Loader: every
// field tagged `cli:"..."` is resolved by name, a file value is the
// fallback and a flag/env value (when actually set) always wins.
type Loader struct {
	CLI *cli.Context

	// Config is filled in place. Every cli-tagged field is overwritten; a
	// value absent from both the file and the CLI takes the flag's default.
	Config *Config

	// File, once loaded, holds the parsed YAML document as a flat
	// cli-name -> string map, mirroring cliconfig.File's shape so
	// setFieldValueFromCLI can treat both sources identically.
	File map[string]string
}

// Load resolves l.CLI.String("config") (if set) into l.File, then walks
// every `cli`-tagged field of l.Config, applying file and then flag/env
// values.
func (l *Loader) Load() error {
	if path := l.CLI.String("config"); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file %q: %w", path, err)
		}
		var doc map[string]any
		if err := yaml.Unmarshal(contents, &doc); err != nil {
			return fmt.Errorf("parsing config file %q: %w", path, err)
		}
		l.File = flattenYAML(doc)
	}

	fields, err := reflections.FieldsDeep(l.Config)
	if err != nil {
		return fmt.Errorf("inspecting config fields: %w", err)
	}

	for _, fieldName := range fields {
		cliName, _ := reflections.GetFieldTag(l.Config, fieldName, "cli")
		if cliName == "" {
			continue
		}
		if err := l.setFieldValue(fieldName, cliName); err != nil {
			return fmt.Errorf("setting config field %s: %w", fieldName, err)
		}

		normalization, _ := reflections.GetFieldTag(l.Config, fieldName, "normalize")
		if normalization == "commandpath" || normalization == "filepath" {
			if err := l.normalizePath(fieldName); err != nil {
				return fmt.Errorf("normalizing config field %s: %w", fieldName, err)
			}
		}

		validationRules, _ := reflections.GetFieldTag(l.Config, fieldName, "validate")
		if validationRules == "required" && l.fieldIsEmpty(fieldName) {
			return fmt.Errorf("missing required config value %q (--%s)", fieldName, cliName)
		}
	}

	return nil
}

func (l *Loader) setFieldValue(fieldName, cliName string) error {
	fieldKind, err := reflections.GetFieldKind(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting kind of field %q: %w", fieldName, err)
	}
	fieldType, err := reflections.GetFieldType(l.Config, fieldName)
	if err != nil {
		return fmt.Errorf("getting type of field %q: %w", fieldName, err)
	}

	var value any

	if l.File != nil {
		if raw, ok := l.File[cliName]; ok {
			value, err = convertString(raw, fieldKind, fieldType)
			if err != nil {
				return err
			}
		}
	}

	if value == nil || l.CLI.IsSet(cliName) {
		switch fieldKind {
		case reflect.String:
			value = l.CLI.String(cliName)
		case reflect.Bool:
			value = l.CLI.Bool(cliName)
		case reflect.Int:
			value = l.CLI.Int(cliName)
		case reflect.Int64:
			switch fieldType {
			case "time.Duration":
				value = l.CLI.Duration(cliName)
			default:
				value = l.CLI.Int64(cliName)
			}
		case reflect.Slice:
			value = l.CLI.StringSlice(cliName)
		default:
			return fmt.Errorf("unsupported field kind %s for %q", fieldKind, fieldName)
		}
	}

	if value == nil {
		return nil
	}
	return reflections.SetField(l.Config, fieldName, value)
}

func convertString(raw string, kind reflect.Kind, typeName string) (any, error) {
	switch kind {
	case reflect.String:
		return raw, nil
	case reflect.Bool:
		return strconv.ParseBool(raw)
	case reflect.Int:
		return strconv.Atoi(raw)
	case reflect.Int64:
		if typeName == "time.Duration" {
			d, err := time.ParseDuration(raw)
			return d, err
		}
		return strconv.ParseInt(raw, 10, 64)
	case reflect.Slice:
		return strings.Split(raw, ","), nil
	default:
		return nil, fmt.Errorf("unsupported field kind %s", kind)
	}
}

func (l *Loader) fieldIsEmpty(fieldName string) bool {
	value, _ := reflections.GetField(l.Config, fieldName)
	switch v := value.(type) {
	case string:
		return v == ""
	case int:
		return v == 0
	case int64:
		return v == 0
	case bool:
		return !v
	case []string:
		return len(v) == 0
	default:
		return value == nil
	}
}

func (l *Loader) normalizePath(fieldName string) error {
	value, err := reflections.GetField(l.Config, fieldName)
	if err != nil {
		return err
	}
	s, ok := value.(string)
	if !ok || s == "" {
		return nil
	}
	expanded, err := expandHome(s)
	if err != nil {
		return err
	}
	return reflections.SetField(l.Config, fieldName, expanded)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := osutil.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return home + strings.TrimPrefix(path, "~"), nil
}

// flattenYAML reduces a parsed YAML document to the flat string map Load
// expects, matching cli flag names at the top level (nesting beyond one
// level is not a config shape rcssd needs).
func flattenYAML(doc map[string]any) map[string]string {
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case int:
			out[k] = strconv.Itoa(val)
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprintf("%v", item))
			}
			out[k] = strings.Join(parts, ",")
		default:
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
