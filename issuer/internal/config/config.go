package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationEmulator
)

type Config struct {
	Keys     KeysConfig     `yaml:"keys"`
	Issuance IssuanceConfig `yaml:"issuance"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Emulator EmulatorConfig `yaml:"emulator"`
}

type KeysConfig struct {
	MasterKeyFile string `yaml:"master_key_file"`
}

type IssuanceConfig struct {
	DFD        string `yaml:"dfd"`
	KeyVersion *int   `yaml:"key_version"`
	Tail       string `yaml:"tail"`
}

type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
}

type EmulatorConfig struct {
	IDm string `yaml:"idm"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationEmulator:
		return c.validateEmulatorMode()
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if strings.TrimSpace(c.Keys.MasterKeyFile) == "" {
		return fmt.Errorf("config.keys.master_key_file is required")
	}
	if err := validateReadableFile(c.Keys.MasterKeyFile, "config.keys.master_key_file"); err != nil {
		return err
	}

	if strings.TrimSpace(c.Issuance.DFD) == "" {
		return fmt.Errorf("config.issuance.dfd is required")
	}
	if _, err := ParseDFD(c.Issuance.DFD); err != nil {
		return fmt.Errorf("config.issuance.dfd: %w", err)
	}

	if c.Issuance.KeyVersion == nil {
		return fmt.Errorf("config.issuance.key_version is required")
	}
	if *c.Issuance.KeyVersion < 1 || *c.Issuance.KeyVersion > 0xFFFF {
		return fmt.Errorf("config.issuance.key_version must be in 1..65535")
	}

	if _, err := c.IDTail(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateFullMode() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	return nil
}

func (c *Config) validateEmulatorMode() error {
	if strings.TrimSpace(c.Emulator.IDm) == "" {
		return nil
	}
	if _, err := c.EmulatorIDm(); err != nil {
		return err
	}
	return nil
}

// ParseDFD parses a 2-byte DFD given as 4 hex digits.
func ParseDFD(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 4 {
		return 0, fmt.Errorf("must be 4 hex digits, got %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid hex %q", s)
	}
	return uint16(v), nil
}

// KeyVersion returns the configured card key version.
func (c *Config) KeyVersion() uint16 {
	if c.Issuance.KeyVersion == nil {
		return 0
	}
	return uint16(*c.Issuance.KeyVersion)
}

// IDTail returns the 6 free-form ID bytes. An empty tail is all zeros.
func (c *Config) IDTail() ([6]byte, error) {
	var tail [6]byte
	s := strings.TrimSpace(c.Issuance.Tail)
	if s == "" {
		return tail, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return tail, fmt.Errorf("config.issuance.tail: invalid hex: %v", err)
	}
	if len(b) != len(tail) {
		return tail, fmt.Errorf("config.issuance.tail must be %d bytes, got %d", len(tail), len(b))
	}
	copy(tail[:], b)
	return tail, nil
}

// EmulatorIDm returns the IDm for the simulated card.
func (c *Config) EmulatorIDm() ([8]byte, error) {
	var idm [8]byte
	b, err := hex.DecodeString(strings.TrimSpace(c.Emulator.IDm))
	if err != nil {
		return idm, fmt.Errorf("config.emulator.idm: invalid hex: %v", err)
	}
	if len(b) != len(idm) {
		return idm, fmt.Errorf("config.emulator.idm must be %d bytes, got %d", len(idm), len(b))
	}
	copy(idm[:], b)
	return idm, nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.MasterKeyFile = resolvePath(configDir, c.Keys.MasterKeyFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
