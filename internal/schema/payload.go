package schema

import (
	"encoding/json"

	"expensesync/internal/domain"
)

// metadataKind tags which key of the response carried the field list.
type metadataKind string

const (
	metadataUnderMetadata metadataKind = "metadata"
	metadataUnderFields   metadataKind = "fields"
	metadataUnderColumns  metadataKind = "columns"
	metadataUnrecognized  metadataKind = "unrecognized"
)

type metadataPayload struct {
	kind   metadataKind
	fields []domain.MetadataField
	reason string
}

// decodeMetadata inspects the keys in a fixed order; the first one holding a
// non-empty array of fields wins.
func decodeMetadata(raw json.RawMessage) metadataPayload {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return metadataPayload{kind: metadataUnrecognized, reason: "response is not a JSON object"}
	}

	for _, kind := range []metadataKind{metadataUnderMetadata, metadataUnderFields, metadataUnderColumns} {
		v, ok := obj[string(kind)]
		if !ok {
			continue
		}
		fields, ok := decodeFields(v)
		if !ok || len(fields) == 0 {
			continue
		}
		return metadataPayload{kind: kind, fields: fields}
	}
	return metadataPayload{kind: metadataUnrecognized, reason: "no field list under metadata, fields or columns"}
}

func decodeFields(raw json.RawMessage) ([]domain.MetadataField, bool) {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	fields := make([]domain.MetadataField, 0, len(items))
	for _, it := range items {
		name, _ := it["name"].(string)
		if name == "" {
			continue
		}
		typ, _ := it["type"].(string)
		required, _ := it["required"].(bool)
		fields = append(fields, domain.MetadataField{Name: name, Type: typ, Required: required})
	}
	return fields, true
}
