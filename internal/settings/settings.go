package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"tabesh/internal/models"
	"tabesh/internal/utils"
)

const (
	PricingMatrix = "pricing_matrix"
	UploadRules   = "upload_rules"
)

var ErrNotFound = fmt.Errorf("%w: setting", utils.ErrNotFound)

type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// Get returns the raw JSON value of a setting.
func (s *Store) Get(ctx context.Context, name string) (json.RawMessage, error) {
	var row models.Setting
	err := s.db.NewSelect().Model(&row).Where("name = ?", name).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", name, err)
	}
	return json.RawMessage(row.Value), nil
}

// GetInto decodes a setting into v. It reports false, without error, when
// the setting does not exist.
func (s *Store) GetInto(ctx context.Context, name string, v interface{}) (bool, error) {
	raw, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", name, err)
	}
	return true, nil
}

// Set stores v as JSON, replacing any previous value.
func (s *Store) Set(ctx context.Context, name string, v interface{}) error {
	if name == "" {
		return fmt.Errorf("%w: setting name is required", utils.ErrValidation)
	}
	var raw []byte
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return fmt.Errorf("%w: setting %s is not valid JSON", utils.ErrValidation, name)
		}
		raw = val
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode setting %s: %w", name, err)
		}
		raw = b
	}
	row := models.Setting{Name: name, Value: string(raw), UpdatedAt: time.Now().UTC()}
	return Upsert(ctx, s.db, row)
}

func (s *Store) All(ctx context.Context) ([]models.Setting, error) {
	var rows []models.Setting
	if err := s.db.NewSelect().Model(&rows).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	return rows, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.NewDelete().Model((*models.Setting)(nil)).Where("name = ?", name).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete setting %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert inserts or replaces rows by name using the dialect's upsert syntax.
func Upsert(ctx context.Context, idb bun.IDB, rows ...models.Setting) error {
	if len(rows) == 0 {
		return nil
	}
	q := idb.NewInsert().Model(&rows)
	if idb.Dialect().Name() == dialect.MySQL {
		q = q.On("DUPLICATE KEY UPDATE").
			Set("value = VALUES(value)").
			Set("updated_at = VALUES(updated_at)")
	} else {
		q = q.On("CONFLICT (name) DO UPDATE").
			Set("value = EXCLUDED.value").
			Set("updated_at = EXCLUDED.updated_at")
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}
