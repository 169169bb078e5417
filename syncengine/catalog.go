// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

// TemplateCatalog is the externally supplied mapping from template content
// identifiers to stable record identifiers. It lets two independently-synced
// installs agree on "the same" template and item without a central ID
// authority at runtime. The catalog is read-only input, refreshed
// independently of sync cycles.
type TemplateCatalog struct {
	Entries []CatalogEntry `json:"entries" validate:"required,dive"`
}

// CatalogEntry maps one template content identifier to its stable record
// UUID and the ordered stable UUIDs of its items.
type CatalogEntry struct {
	ContentID     string   `json:"content_id" validate:"required"`
	RecordID      string   `json:"record_id" validate:"required,uuid"`
	ItemRecordIDs []string `json:"item_record_ids" validate:"dive,uuid"`
}

var catalogValidate = validator.New()

// LoadTemplateCatalog parses and validates a catalog document.
func LoadTemplateCatalog(r io.Reader) (*TemplateCatalog, error) {
	var catalog TemplateCatalog
	if err := json.NewDecoder(r).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	if err := catalogValidate.Struct(&catalog); err != nil {
		return nil, fmt.Errorf("invalid template catalog: %w", err)
	}
	seen := make(map[string]bool, len(catalog.Entries))
	for _, e := range catalog.Entries {
		if seen[e.ContentID] {
			return nil, fmt.Errorf("invalid template catalog: duplicate content id %q", e.ContentID)
		}
		seen[e.ContentID] = true
	}
	return &catalog, nil
}
