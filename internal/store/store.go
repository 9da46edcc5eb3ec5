package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"bitacora/internal/domain"
)

// Persisted keys. Each is read and written independently.
const (
	DatasetKey  = "bitacora_actividades_app_v3"
	SettingsKey = "bitacora_settings_v1"
	OutboxKey   = "bitacora_outbox_v1"
)

// Dataset is the value stored under DatasetKey.
type Dataset struct {
	Entries []domain.Entry `json:"entries"`
	Current *domain.Draft  `json:"current,omitempty"`
}

type Store struct {
	KV     KV
	Logger *slog.Logger
}

func New(kv KV, logger *slog.Logger) *Store {
	return &Store{KV: kv, Logger: logger}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// read returns the raw value for key. A missing key yields ok=false.
func (s *Store) read(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.KV.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return raw, true, nil
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.KV.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// LoadDataset returns the stored entries and draft. Missing or unparsable
// parts come back empty; Current is nil when no usable draft is stored.
func (s *Store) LoadDataset(ctx context.Context) (Dataset, error) {
	raw, ok, err := s.read(ctx, DatasetKey)
	if err != nil || !ok {
		return Dataset{}, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		s.logger().Warn("stored dataset is not valid json; starting empty", "key", DatasetKey, "err", err)
		return Dataset{}, nil
	}
	var ds Dataset
	if entries, ok := doc["entries"]; ok {
		if err := json.Unmarshal(entries, &ds.Entries); err != nil {
			s.logger().Warn("stored entries unreadable; starting empty", "key", DatasetKey, "err", err)
			ds.Entries = nil
		}
	}
	if current, ok := doc["current"]; ok && string(current) != "null" {
		var d domain.Draft
		if err := json.Unmarshal(current, &d); err != nil {
			s.logger().Warn("stored draft unreadable; using blank form", "key", DatasetKey, "err", err)
		} else {
			ds.Current = &d
		}
	}
	return ds, nil
}

func (s *Store) SaveDataset(ctx context.Context, ds Dataset) error {
	if ds.Entries == nil {
		ds.Entries = []domain.Entry{}
	}
	return s.write(ctx, DatasetKey, ds)
}

// LoadSettings returns the stored settings, or the baseline when absent or
// unreadable.
func (s *Store) LoadSettings(ctx context.Context) (domain.Settings, error) {
	raw, ok, err := s.read(ctx, SettingsKey)
	if err != nil || !ok {
		return domain.DefaultSettings(), err
	}
	var st domain.Settings
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		s.logger().Warn("stored settings unreadable; using defaults", "key", SettingsKey, "err", err)
		return domain.DefaultSettings(), nil
	}
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st domain.Settings) error {
	return s.write(ctx, SettingsKey, st)
}

// LoadOutbox returns the queued entries. An unreadable queue is treated as
// empty.
func (s *Store) LoadOutbox(ctx context.Context) ([]domain.Entry, error) {
	raw, ok, err := s.read(ctx, OutboxKey)
	if err != nil || !ok {
		return nil, err
	}
	var items []domain.Entry
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		s.logger().Warn("stored outbox unreadable; treating as empty", "key", OutboxKey, "err", err)
		return nil, nil
	}
	return items, nil
}

func (s *Store) SaveOutbox(ctx context.Context, items []domain.Entry) error {
	if items == nil {
		items = []domain.Entry{}
	}
	return s.write(ctx, OutboxKey, items)
}

// Raw returns the stored document for a key, for diagnostics.
func (s *Store) Raw(ctx context.Context, key string) (string, error) {
	raw, ok, err := s.read(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return raw, nil
}
