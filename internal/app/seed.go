package app

import (
	"context"
	"encoding/json"
	"fmt"

	"tabesh/internal/order/pricing"
	"tabesh/internal/settings"
	"tabesh/internal/upload"
)

// SeedDefaults stores the built-in pricing matrix and the configured upload
// rules as editable settings. Existing values are kept unless force is set.
// It returns the names it wrote.
func (a *App) SeedDefaults(ctx context.Context, force bool) ([]string, error) {
	defaults := []struct {
		name  string
		value interface{}
	}{
		{settings.PricingMatrix, pricing.DefaultMatrix()},
		{settings.UploadRules, upload.RulesFromConfig(a.Config.Upload)},
	}

	var written []string
	for _, d := range defaults {
		if !force {
			var existing json.RawMessage
			found, err := a.Settings.GetInto(ctx, d.name, &existing)
			if err != nil {
				return written, err
			}
			if found {
				a.Logger.Info("SEED", fmt.Sprintf("Setting %s already present, skipping", d.name))
				continue
			}
		}
		if err := a.Settings.Set(ctx, d.name, d.value); err != nil {
			return written, fmt.Errorf("seed %s: %w", d.name, err)
		}
		written = append(written, d.name)
		a.Logger.Info("SEED", fmt.Sprintf("Setting %s written", d.name))
	}
	return written, nil
}
