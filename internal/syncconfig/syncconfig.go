// Package syncconfig loads, validates and persists the sync settings file.
package syncconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/steptrail/internal/steptrail"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaURL = "https://steptrail.local/schemas/sync-config.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "enabled": {"type": "boolean"},
    "autoUploadOnStop": {"type": "boolean"},
    "endpointUrl": {
      "type": "string",
      "maxLength": 2048,
      "pattern": "^$|^https?://[^\\s]+$"
    },
    "allowedEmails": {
      "type": "array",
      "maxItems": 256,
      "items": {"type": "string", "maxLength": 320}
    },
    "maskInputValues": {"type": "boolean"}
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Validate checks a raw config document against the schema. Failures wrap
// steptrail.ErrInvalidInput.
func Validate(data []byte) error {
	sch, err := schema()
	if err != nil {
		return fmt.Errorf("compile sync config schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: sync config is not valid json", steptrail.ErrInvalidInput)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", steptrail.ErrInvalidInput, err)
	}
	return nil
}

// Parse validates and decodes a config document.
func Parse(data []byte) (steptrail.SyncConfig, error) {
	if err := Validate(data); err != nil {
		return steptrail.SyncConfig{}, err
	}
	var cfg steptrail.SyncConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return steptrail.SyncConfig{}, fmt.Errorf("%w: %v", steptrail.ErrInvalidInput, err)
	}
	if cfg.AllowedEmails == nil {
		cfg.AllowedEmails = []string{}
	}
	return cfg, nil
}

// Load reads and parses the file at path. A missing file reports an error
// matching fs.ErrNotExist.
func Load(path string) (steptrail.SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return steptrail.SyncConfig{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return steptrail.SyncConfig{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg steptrail.SyncConfig) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("sync config path is required")
	}
	if cfg.AllowedEmails == nil {
		cfg.AllowedEmails = []string{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
