// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/textproc"
)

//go:embed seed_intents.yaml
var seedIntentsYAML []byte

// seedConfidence is the exact-hit confidence of a shipped seed phrase.
const seedConfidence = 1.0

type seedIntent struct {
	Code             string                      `yaml:"code"`
	Name             string                      `yaml:"name"`
	Category         string                      `yaml:"category"`
	Sensitivity      int                         `yaml:"sensitivity"`
	RequiresApproval bool                        `yaml:"requires_approval"`
	QuotaCost        int                         `yaml:"quota_cost"`
	Keywords         []datatypes.WeightedKeyword `yaml:"keywords"`
	Params           []datatypes.ParamSpec       `yaml:"params"`
	Phrases          []string                    `yaml:"phrases"`
}

type seedFile struct {
	Intents []seedIntent `yaml:"intents"`
}

// LoadSeed installs the shipped platform catalog into the store. Existing
// definitions and expressions win: a redeployment never clobbers operator
// edits or learned state. Returns the number of definitions written.
func (c *Catalog) LoadSeed(ctx context.Context) (int, error) {
	var file seedFile
	if err := yaml.Unmarshal(seedIntentsYAML, &file); err != nil {
		return 0, fmt.Errorf("parse seed catalog: %w", err)
	}

	written := 0
	for _, si := range file.Intents {
		if si.Code == "" {
			return written, fmt.Errorf("seed catalog: intent with empty code")
		}

		_, err := c.store.GetIntent(ctx, datatypes.PlatformTenant, si.Code)
		switch {
		case err == nil:
			// Definition exists; leave it alone.
		case errors.Is(err, store.ErrNotFound):
			def := &datatypes.IntentDefinition{
				TenantID:         datatypes.PlatformTenant,
				Code:             si.Code,
				Name:             si.Name,
				Category:         si.Category,
				Sensitivity:      si.Sensitivity,
				RequiresApproval: si.RequiresApproval,
				QuotaCost:        si.QuotaCost,
				Keywords:         si.Keywords,
				Params:           si.Params,
			}
			normalizeKeywords(def)
			if err := c.store.PutIntent(ctx, def); err != nil {
				return written, fmt.Errorf("seed intent %s: %w", si.Code, err)
			}
			written++
		default:
			return written, fmt.Errorf("seed check %s: %w", si.Code, err)
		}

		for _, phrase := range si.Phrases {
			text := textproc.Normalize(phrase)
			if text == "" {
				continue
			}
			hash := textproc.Hash(text)
			_, err := c.store.GetExpression(ctx, datatypes.PlatformTenant, hash)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return written, fmt.Errorf("seed phrase check %q: %w", phrase, err)
			}
			expr := &datatypes.LearnedExpression{
				TenantID:   datatypes.PlatformTenant,
				IntentCode: si.Code,
				Text:       text,
				Hash:       hash,
				Confidence: seedConfidence,
				Source:     datatypes.ExprSeed,
				Verified:   true,
				Active:     true,
				CreatedAt:  time.Now().UTC(),
			}
			if err := c.store.PutExpression(ctx, expr); err != nil {
				return written, fmt.Errorf("seed phrase %q: %w", phrase, err)
			}
		}
	}

	c.Invalidate(datatypes.PlatformTenant)
	c.logger.Info("seed catalog loaded",
		"intents_total", len(file.Intents),
		"intents_written", written,
	)
	return written, nil
}
