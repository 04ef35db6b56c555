package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/vito/common/environment"
)

// DefaultPath is used when neither --config nor VITO_CONFIG is given.
const DefaultPath = "settings.yaml"

//go:embed settings.schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("settings.schema.json", schemaJSON)
	})
	return schema, schemaErr
}

// ResolvePath picks the settings file: flag value, then VITO_CONFIG, then
// DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return environment.StringOr("VITO_CONFIG", DefaultPath)
}

// Load reads the settings file at path, applies .env and VITO_* overrides
// and runs Validate.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load without Validate. Shape errors (unknown keys, wrong types,
// bad enum values) are still reported as *Error.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &Error{Problems: []string{fmt.Sprintf("settings file %s not found", path)}}
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Relative storage paths are relative to the settings file.
	dir := filepath.Dir(path)
	cfg.DatabasePath = resolveRelative(dir, cfg.DatabasePath)
	cfg.Memory.Path = resolveRelative(dir, cfg.Memory.Path)
	return cfg, nil
}

// Parse decodes and shape-checks a settings document on top of Default.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Problems: []string{"parse settings: " + err.Error()}}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateShape(doc); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Problems: []string{"decode settings: " + err.Error()}}
	}
	if m, ok := doc.(map[string]any); ok {
		cfg.applyLegacy(m)
	}
	return cfg, nil
}

// validateShape checks doc against the embedded JSON Schema. The YAML tree is
// re-encoded as JSON first so the validator sees JSON types.
func validateShape(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return &Error{Problems: []string{"settings must be a mapping with string keys: " + err.Error()}}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("config: re-decode settings: %w", err)
	}

	err = sch.Validate(v)
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		e := &Error{}
		collectSchemaErrors(ve, e)
		return e.orNil()
	}
	return err
}

func collectSchemaErrors(ve *jsonschema.ValidationError, e *Error) {
	if len(ve.Causes) == 0 {
		loc := strings.TrimPrefix(strings.ReplaceAll(ve.InstanceLocation, "/", "."), ".")
		if loc == "" {
			loc = "settings"
		}
		e.addf("%s: %s", loc, ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectSchemaErrors(c, e)
	}
}

// applyLegacy maps the flat keys of the original settings.json onto the
// structured ones. A structured key present in the document wins.
func (c *Config) applyLegacy(doc map[string]any) {
	legacy := func(key, section, field string, dst *string) {
		v, ok := doc[key].(string)
		if !ok || v == "" {
			return
		}
		slog.Warn("config: deprecated key in settings", "setting", key, "use", section+"."+field)
		if sec, ok := doc[section].(map[string]any); ok {
			if _, set := sec[field]; set {
				return
			}
		}
		*dst = v
	}
	legacy("gemini_api", "primary", "api_key", &c.Primary.APIKey)
	legacy("model_gemini", "primary", "model", &c.Primary.Model)
	legacy("openrouter_api", "secondary", "api_key", &c.Secondary.APIKey)
	legacy("model_venice", "secondary", "model", &c.Secondary.Model)
	if _, ok := doc["discord_token"]; ok {
		slog.Warn("config: discord_token is ignored; configure matrix instead")
	}
}

// applyEnv overlays VITO_* variables.
func (c *Config) applyEnv() error {
	environment.OverrideString(&c.Creator, "VITO_CREATOR")
	environment.OverrideSlice(&c.Admins, "VITO_ADMINS")

	environment.OverrideString(&c.Matrix.Homeserver, "VITO_MATRIX_HOMESERVER")
	environment.OverrideString(&c.Matrix.UserID, "VITO_MATRIX_USER_ID")
	environment.OverrideString(&c.Matrix.AccessToken, "VITO_MATRIX_ACCESS_TOKEN")
	environment.OverrideString(&c.Matrix.DeviceID, "VITO_MATRIX_DEVICE_ID")
	environment.OverrideSlice(&c.Matrix.Rooms, "VITO_MATRIX_ROOMS")

	environment.OverrideString(&c.Primary.APIKey, "VITO_PRIMARY_API_KEY")
	environment.OverrideString(&c.Primary.Model, "VITO_PRIMARY_MODEL")
	environment.OverrideString(&c.Primary.BaseURL, "VITO_PRIMARY_BASE_URL")
	environment.OverrideString(&c.Secondary.APIKey, "VITO_SECONDARY_API_KEY")
	environment.OverrideString(&c.Secondary.Model, "VITO_SECONDARY_MODEL")
	environment.OverrideString(&c.Secondary.BaseURL, "VITO_SECONDARY_BASE_URL")

	environment.OverrideString(&c.Session.Backend, "VITO_SESSION_BACKEND")
	environment.OverrideString(&c.Session.Redis.Addr, "VITO_REDIS_ADDR")
	environment.OverrideString(&c.Session.Redis.Password, "VITO_REDIS_PASSWORD")
	environment.OverrideString(&c.Memory.Backend, "VITO_MEMORY_BACKEND")
	environment.OverrideString(&c.Memory.Path, "VITO_MEMORY_PATH")
	environment.OverrideString(&c.DatabasePath, "VITO_DATABASE_PATH")
	environment.OverrideString(&c.HTTPAddr, "VITO_HTTP_ADDR")

	environment.OverrideString(&c.Log.Level, "VITO_LOG_LEVEL")
	environment.OverrideString(&c.Log.Format, "VITO_LOG_FORMAT")
	environment.OverrideString(&c.Log.File, "VITO_LOG_FILE")

	e := &Error{}
	for _, err := range []error{
		environment.OverrideDuration(&c.Session.TTL, "VITO_SESSION_TTL"),
		environment.OverrideDuration(&c.Session.SweepInterval, "VITO_SESSION_SWEEP_INTERVAL"),
		environment.OverrideInt(&c.Session.Redis.DB, "VITO_REDIS_DB"),
		environment.OverrideInt(&c.RateLimit, "VITO_RATE_LIMIT"),
	} {
		if err != nil {
			e.addf("%v", err)
		}
	}
	return e.orNil()
}

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return &Error{Problems: []string{fmt.Sprintf("load %s: %v", path, err)}}
}

func resolveRelative(dir, p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
