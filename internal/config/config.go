package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/renameio/v2"

	"go2tv.app/castlink/castsession"
	"go2tv.app/castlink/devices"
)

// DefaultAppID is the stock media receiver.
const DefaultAppID = devices.DefaultAppID

const coordinatorSection = "coordinator"

// Store is a JSON backed key-value settings file. It satisfies
// castsession.ConfigStore.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]any
}

// Settings are the coordinator tunables kept in the "coordinator" section.
// Durations are written as strings such as "15s".
type Settings struct {
	JoinTimeout         time.Duration `mapstructure:"join_timeout"`
	EndTimeout          time.Duration `mapstructure:"end_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	PollAttempts        int           `mapstructure:"poll_attempts"`
	AvailabilityScan    time.Duration `mapstructure:"availability_scan"`
	MaxStartAttempts    int           `mapstructure:"max_start_attempts"`
	MaxEndedBeforeStart int           `mapstructure:"max_ended_before_start"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
}

// DefaultPath returns the settings file under the user config dir.
func DefaultPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("DefaultPath: failed to get config dir: %w", err)
	}

	return filepath.Join(oscfg, "castlink", "settings.json"), nil
}

// Open loads the settings file at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]any)}

	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("Open: failed to read settings: %w", err)
	}

	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("Open: failed to decode %s: %w", path, err)
	}
	if s.data == nil {
		s.data = make(map[string]any)
	}

	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// GetString returns the string stored under key, or def.
func (s *Store) GetString(key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.data[key].(string); ok {
		return v
	}
	return def
}

// PutString stores value under key and rewrites the file atomically.
func (s *Store) PutString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[key]
	s.data[key] = value
	if err := s.save(); err != nil {
		if had {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		return fmt.Errorf("PutString: %w", err)
	}
	return nil
}

// AppID returns the stored receiver application id or DefaultAppID.
func (s *Store) AppID() string {
	return s.GetString(castsession.AppIDKey, DefaultAppID)
}

// Settings decodes the coordinator section. Unset fields stay zero, which
// the matching castsession options treat as "keep the default".
func (s *Store) Settings() (Settings, error) {
	s.mu.Lock()
	raw := s.data[coordinatorSection]
	s.mu.Unlock()

	var st Settings
	if raw == nil {
		return st, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &st,
	})
	if err != nil {
		return Settings{}, fmt.Errorf("Settings: failed to build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Settings{}, fmt.Errorf("Settings: failed to decode %q section: %w", coordinatorSection, err)
	}

	return st, nil
}

// PutSettings replaces the coordinator section.
func (s *Store) PutSettings(st Settings) error {
	section := map[string]any{}
	if err := mapstructure.Decode(st, &section); err != nil {
		return fmt.Errorf("PutSettings: failed to encode settings: %w", err)
	}
	for k, v := range section {
		switch d := v.(type) {
		case time.Duration:
			if d == 0 {
				delete(section, k)
				continue
			}
			section[k] = d.String()
		case int:
			if d == 0 {
				delete(section, k)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.data[coordinatorSection]
	s.data[coordinatorSection] = section
	if err := s.save(); err != nil {
		if had {
			s.data[coordinatorSection] = prev
		} else {
			delete(s.data, coordinatorSection)
		}
		return fmt.Errorf("PutSettings: %w", err)
	}
	return nil
}

// save must be called with s.mu held.
func (s *Store) save() error {
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	if err := renameio.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}

	return nil
}

// Options converts the settings into coordinator options. Zero fields are
// left out so the coordinator defaults apply.
func (st Settings) Options() []castsession.Option {
	opts := []castsession.Option{
		castsession.WithJoinTimeout(st.JoinTimeout),
		castsession.WithEndTimeout(st.EndTimeout),
		castsession.WithPoll(st.PollInterval, st.PollAttempts),
		castsession.WithAvailabilityScan(st.AvailabilityScan),
	}

	if st.MaxStartAttempts > 0 || st.MaxEndedBeforeStart > 0 || st.BaseBackoff > 0 || st.MaxBackoff > 0 {
		policy := castsession.DefaultRetryPolicy()
		if st.MaxStartAttempts > 0 {
			policy.MaxStartAttempts = st.MaxStartAttempts
		}
		if st.MaxEndedBeforeStart > 0 {
			policy.MaxEndedBeforeStart = st.MaxEndedBeforeStart
		}
		policy.BaseBackoff = st.BaseBackoff
		policy.MaxBackoff = st.MaxBackoff
		opts = append(opts, castsession.WithRetryPolicy(policy))
	}

	return opts
}
