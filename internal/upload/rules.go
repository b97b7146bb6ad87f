package upload

import (
	"context"
	"fmt"
	"strings"

	"tabesh/internal/config"
	"tabesh/internal/models"
	"tabesh/internal/utils"
)

// Rule limits the files one order may hold in a category.
type Rule struct {
	MaxFiles   int      `json:"max_files"`
	MaxBytes   int64    `json:"max_bytes"`
	Extensions []string `json:"extensions"`
}

func (r Rule) Allows(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return false
	}
	for _, e := range r.Extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

type Rules map[models.FileCategory]Rule

func RulesFromConfig(c config.UploadConfig) Rules {
	const mb = 1 << 20
	return Rules{
		models.CategoryText:      {MaxFiles: c.TextMaxFiles, MaxBytes: c.TextMaxMB * mb, Extensions: c.TextExtensions},
		models.CategoryCover:     {MaxFiles: c.CoverMaxFiles, MaxBytes: c.CoverMaxMB * mb, Extensions: c.CoverExtensions},
		models.CategoryDocuments: {MaxFiles: c.DocumentsMaxFiles, MaxBytes: c.DocumentsMaxMB * mb, Extensions: c.DocumentsExtensions},
	}
}

func (r Rules) Validate() error {
	for cat, rule := range r {
		if !cat.Valid() {
			return fmt.Errorf("%w: unknown category %q in upload rules", utils.ErrValidation, cat)
		}
		if rule.MaxFiles <= 0 || rule.MaxBytes <= 0 || len(rule.Extensions) == 0 {
			return fmt.Errorf("%w: upload rule for %s needs max_files, max_bytes and extensions", utils.ErrValidation, cat)
		}
	}
	return nil
}

type SettingsReader interface {
	GetInto(ctx context.Context, name string, v interface{}) (bool, error)
}

// RuleSource merges the upload_rules setting over the configured defaults,
// category by category.
type RuleSource struct {
	Defaults Rules
	Settings SettingsReader
	Name     string
}

func NewRuleSource(defaults Rules, settings SettingsReader, name string) *RuleSource {
	return &RuleSource{Defaults: defaults, Settings: settings, Name: name}
}

func (s *RuleSource) Load(ctx context.Context) (Rules, error) {
	merged := make(Rules, len(s.Defaults))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	if s.Settings == nil {
		return merged, nil
	}
	var stored Rules
	found, err := s.Settings.GetInto(ctx, s.Name, &stored)
	if err != nil {
		return nil, fmt.Errorf("load upload rules: %w", err)
	}
	if !found {
		return merged, nil
	}
	if err := stored.Validate(); err != nil {
		return nil, fmt.Errorf("stored upload rules: %w", err)
	}
	for k, v := range stored {
		merged[k] = v
	}
	return merged, nil
}
