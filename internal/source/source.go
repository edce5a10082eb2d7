// Package source produces the ordered list of work items a job processes.
//
// The engine only depends on the Source interface; FileSource is the
// built-in implementation reading JSON or YAML item lists. Pipeline options
// (filter, sort, distinct, offset, limit) are applied once, before
// scheduling begins.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/pkg/types"
)

// Source yields the work items for one job.
type Source interface {
	Load(ctx context.Context) ([]types.WorkItem, error)
}

// Pipeline shapes the raw item list before scheduling. Steps are applied in
// a fixed order: filter, sort, distinct, offset, limit.
type Pipeline struct {
	// Filter keeps items for which the predicate returns true; nil keeps all.
	Filter func(types.WorkItem) bool
	// SortBy orders items by the string form of the named payload field.
	SortBy string
	// DistinctBy drops items whose named payload field repeats an earlier one.
	DistinctBy string
	// Offset skips the first N items after filtering and sorting.
	Offset int
	// MaxItems caps the number of items scheduled; 0 means no cap.
	MaxItems int
}

// Apply runs the pipeline over items and returns the shaped list.
func (p Pipeline) Apply(items []types.WorkItem) []types.WorkItem {
	out := make([]types.WorkItem, 0, len(items))
	for _, it := range items {
		if p.Filter == nil || p.Filter(it) {
			out = append(out, it)
		}
	}

	if p.SortBy != "" {
		key := p.SortBy
		sort.SliceStable(out, func(i, j int) bool {
			return fieldString(out[i], key) < fieldString(out[j], key)
		})
	}

	if p.DistinctBy != "" {
		seen := make(map[string]struct{}, len(out))
		dedup := out[:0]
		for _, it := range out {
			k := fieldString(it, p.DistinctBy)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			dedup = append(dedup, it)
		}
		out = dedup
	}

	if p.Offset > 0 {
		if p.Offset >= len(out) {
			return nil
		}
		out = out[p.Offset:]
	}

	if p.MaxItems > 0 && len(out) > p.MaxItems {
		out = out[:p.MaxItems]
	}
	return out
}

func fieldString(it types.WorkItem, field string) string {
	v, ok := it.Payload[field]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// FileSource loads items from a JSON or YAML file, selected by extension.
// Each entry needs an "id"; remaining fields become the payload. Entries
// without an id get a positional one.
type FileSource struct {
	Path     string
	Pipeline Pipeline
}

// Load reads, decodes and shapes the item list.
func (f *FileSource) Load(ctx context.Context) ([]types.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}

	var raw []map[string]any
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse items YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse items JSON: %w", err)
		}
	}

	items := make([]types.WorkItem, 0, len(raw))
	for i, entry := range raw {
		id := fmt.Sprintf("item-%d", i)
		if v, ok := entry["id"]; ok {
			id = fmt.Sprintf("%v", v)
		}
		payload := make(map[string]any, len(entry))
		for k, v := range entry {
			if k == "id" {
				continue
			}
			payload[k] = v
		}
		items = append(items, types.WorkItem{ID: types.ItemID(id), Payload: payload})
	}

	return f.Pipeline.Apply(items), nil
}

// Static is a fixed in-memory source, used for DLQ retry sub-jobs and tests.
type Static []types.WorkItem

// Load returns the items as-is.
func (s Static) Load(ctx context.Context) ([]types.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
