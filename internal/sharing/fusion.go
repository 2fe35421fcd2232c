package sharing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var errNoPayloads = errors.New("fusion: no payloads to fuse")

// Fuser combines an ordered list of payloads into one.
type Fuser interface {
	FuseContext(ctx context.Context, contextType string, payloads []json.RawMessage) (json.RawMessage, error)
}

// JSONFuser deep-merges JSON objects in order; later values win. When either
// side of a merge is not an object the later value replaces the earlier one.
type JSONFuser struct{}

func (JSONFuser) FuseContext(ctx context.Context, contextType string, payloads []json.RawMessage) (json.RawMessage, error) {
	if len(payloads) == 0 {
		return nil, errNoPayloads
	}
	var fused any
	for index, payload := range payloads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()
		var value any
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("fusion: %s payload %d: %w", contextType, index, err)
		}
		if index == 0 {
			fused = value
			continue
		}
		fused = mergeValues(fused, value)
	}
	encoded, err := json.Marshal(fused)
	if err != nil {
		return nil, fmt.Errorf("fusion: %s: %w", contextType, err)
	}
	return encoded, nil
}

func mergeValues(base, overlay any) any {
	baseObject, baseIsObject := base.(map[string]any)
	overlayObject, overlayIsObject := overlay.(map[string]any)
	if !baseIsObject || !overlayIsObject {
		return overlay
	}
	for key, value := range overlayObject {
		if existing, ok := baseObject[key]; ok {
			baseObject[key] = mergeValues(existing, value)
			continue
		}
		baseObject[key] = value
	}
	return baseObject
}
