package history

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
)

// ExportVersion is the current export tree version.
const ExportVersion = 1

// Export is the persistence handoff tree. JSON is the natural encoding.
type Export struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Entries    []*Entry  `json:"entries"`
}

// Export snapshots every entry in append order.
func (s *Store) Export() Export {
	return Export{
		Version:    ExportVersion,
		ExportedAt: s.clock(),
		Entries:    cloneAll(s.snapshot(nil, false)),
	}
}

// Import appends the entries of blob, skipping ids already present, and
// returns how many were added. blob may be an Export, *Export, JSON bytes or
// a generic map tree as produced by decoding JSON into any.
func (s *Store) Import(ctx context.Context, blob any) (int, error) {
	exp, err := decodeExport(blob)
	if err != nil {
		return 0, syncErrors.NewValidationError(syncErrors.OpImport, "blob", err)
	}
	added := 0
	for i, e := range exp.Entries {
		if e == nil || e.Conflict == nil {
			return added, syncErrors.NewValidationError(syncErrors.OpImport, fmt.Sprintf("entries[%d]", i),
				fmt.Errorf("entry has no conflict"))
		}
		if _, exists := s.Get(e.ID); exists && e.ID != "" {
			continue
		}
		if _, err := s.Append(ctx, e); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func decodeExport(blob any) (*Export, error) {
	switch b := blob.(type) {
	case nil:
		return nil, fmt.Errorf("nothing to import")
	case Export:
		return &b, nil
	case *Export:
		if b == nil {
			return nil, fmt.Errorf("nothing to import")
		}
		return b, nil
	case []byte:
		var exp Export
		if err := json.Unmarshal(b, &exp); err != nil {
			return nil, err
		}
		return &exp, nil
	case string:
		return decodeExport([]byte(b))
	default:
		return decodeTree(blob)
	}
}

// decodeTree decodes a generic object tree using the JSON field names.
func decodeTree(tree any) (*Export, error) {
	var exp Export
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &exp,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			timeHook(),
		),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(tree); err != nil {
		return nil, err
	}
	return &exp, nil
}

// timeHook parses RFC 3339 strings into time.Time and keeps existing times.
func timeHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Time{}, nil
			}
			return time.Parse(time.RFC3339Nano, v)
		case time.Time:
			return v, nil
		default:
			return data, nil
		}
	}
}
