// Package settings holds the host configuration, backed by a YAML file through viper.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Keys.
const (
	SerialPort          = "serial.port"
	SerialAddress       = "serial.address"
	SerialBaudRate      = "serial.baudrate"
	SerialDummy         = "serial.dummy"
	SerialUSBVendorIDs  = "serial.usbVendorIds"
	FeatureSDRelative   = "feature.sdRelativePath"
	FeatureSDAlways     = "feature.sdAlwaysAvailable"
	FeatureSufficiency  = "feature.sufficiencyCheck"
	DefaultTemperature  = "printer.defaultTemperature"
	HomeOnConnect       = "printer.homeOnConnect"
	PauseTriggersKey    = "printer.pauseTriggers"
	ActionScriptsKey    = "printer.actionScripts"
	FeedbackKey         = "controls.feedback"
	NozzleTypesKey      = "nozzleTypes"
	ConnectionInterval  = "intervals.connectionMonitor"
	StatusInterval      = "intervals.statusMonitor"
	TemperatureInterval = "intervals.temperature"
	PrepareInterval     = "intervals.prepare"
	PollTimeout         = "intervals.pollTimeout"
	CommandTimeout      = "intervals.command"
	ResendMaxRetries    = "resend.maxRetries"
	ResendBackoff       = "resend.backoff"
	UploadsFolder       = "folders.uploads"
	ProfilesFolder      = "folders.profiles"
	FirmwareFolder      = "folders.firmware"
	LastPrintJobFile    = "printerParameters.lastPrintJobFile"
	KafkaBrokers        = "events.kafka.brokers"
	KafkaTopic          = "events.kafka.topic"
	ServerListen        = "server.listen"
)

// PauseTrigger pauses, resumes or toggles the print when a device line matches Regex.
type PauseTrigger struct {
	Regex string `mapstructure:"regex"`
	// Type is one of "enable", "disable" or "toggle".
	Type string `mapstructure:"type"`
}

// Feedback registers a message under Key when a device line matches Regex. Template is
// formatted with the regex submatches.
type Feedback struct {
	Key      string `mapstructure:"key"`
	Regex    string `mapstructure:"regex"`
	Template string `mapstructure:"template"`
}

type NozzleType struct {
	ID    string  `mapstructure:"id" json:"id"`
	Value float64 `mapstructure:"value" json:"value"`
}

// Settings is safe for concurrent use.
type Settings struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

// BaseDir returns the default folder holding all host data.
func BaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".printhost")
}

func setDefaults(v *viper.Viper, baseDir string) {
	v.SetDefault(SerialPort, "")
	v.SetDefault(SerialAddress, "")
	v.SetDefault(SerialBaudRate, 115200)
	v.SetDefault(SerialDummy, false)
	v.SetDefault(SerialUSBVendorIDs, []string{"29c9"})
	v.SetDefault(FeatureSDRelative, false)
	v.SetDefault(FeatureSDAlways, false)
	v.SetDefault(FeatureSufficiency, true)
	v.SetDefault(DefaultTemperature, 210.0)
	v.SetDefault(HomeOnConnect, true)
	v.SetDefault(PauseTriggersKey, []any{})
	v.SetDefault(ActionScriptsKey, map[string]any{})
	v.SetDefault(FeedbackKey, []any{})
	v.SetDefault(NozzleTypesKey, map[string]any{
		"nz1": map[string]any{"id": "NZ400", "value": 0.4},
		"nz2": map[string]any{"id": "NZ600", "value": 0.6},
		"nz3": map[string]any{"id": "NZ800", "value": 0.8},
	})
	v.SetDefault(ConnectionInterval, 5*time.Second)
	v.SetDefault(StatusInterval, 3*time.Second)
	v.SetDefault(TemperatureInterval, 4*time.Second)
	v.SetDefault(PrepareInterval, time.Second)
	v.SetDefault(PollTimeout, 200*time.Millisecond)
	v.SetDefault(CommandTimeout, 10*time.Second)
	v.SetDefault(ResendMaxRetries, 3)
	v.SetDefault(ResendBackoff, time.Second)
	v.SetDefault(UploadsFolder, filepath.Join(baseDir, "uploads"))
	v.SetDefault(ProfilesFolder, filepath.Join(baseDir, "profiles"))
	v.SetDefault(FirmwareFolder, filepath.Join(baseDir, "firmware"))
	v.SetDefault(LastPrintJobFile, "")
	v.SetDefault(KafkaBrokers, []string{})
	v.SetDefault(KafkaTopic, "printhost-events")
	v.SetDefault(ServerListen, "127.0.0.1:5000")
}

// New creates settings with default values, not backed by any file.
func New() *Settings {
	v := viper.New()
	setDefaults(v, BaseDir())
	return &Settings{v: v}
}

// Load reads settings from the YAML file at path. A missing file yields the defaults, and is
// created by Save.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v, filepath.Dir(path))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("settings: %s: %w", path, err)
		}
	}
	return &Settings{v: v, path: path}, nil
}

// Path returns the backing file, "" for settings created with New.
func (s *Settings) Path() string {
	return s.path
}

// Save writes the settings back to the file they were loaded from.
func (s *Settings) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return errors.New("settings: save: not backed by a file")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

func (s *Settings) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Set(key, value)
}

func (s *Settings) String(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

func (s *Settings) Bool(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetBool(key)
}

func (s *Settings) Int(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetInt(key)
}

func (s *Settings) Float(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetFloat64(key)
}

func (s *Settings) Duration(key string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetDuration(key)
}

func (s *Settings) Strings(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetStringSlice(key)
}

func (s *Settings) PauseTriggers() ([]PauseTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var triggers []PauseTrigger
	if err := s.v.UnmarshalKey(PauseTriggersKey, &triggers); err != nil {
		return nil, fmt.Errorf("settings: %s: %w", PauseTriggersKey, err)
	}
	return triggers, nil
}

func (s *Settings) Feedback() ([]Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var feedback []Feedback
	if err := s.v.UnmarshalKey(FeedbackKey, &feedback); err != nil {
		return nil, fmt.Errorf("settings: %s: %w", FeedbackKey, err)
	}
	return feedback, nil
}

// ActionScripts maps action command names to hook script paths.
func (s *Settings) ActionScripts() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetStringMapString(ActionScriptsKey)
}

func (s *Settings) NozzleTypes() (map[string]NozzleType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nozzles := map[string]NozzleType{}
	if err := s.v.UnmarshalKey(NozzleTypesKey, &nozzles); err != nil {
		return nil, fmt.Errorf("settings: %s: %w", NozzleTypesKey, err)
	}
	return nozzles, nil
}
