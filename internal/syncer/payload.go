package syncer

import (
	"bytes"
	"encoding/json"

	"expensesync/internal/domain"
)

// dataKind tags which envelope a data response used.
type dataKind string

const (
	dataUnderData     dataKind = "data"
	dataUnderResponse dataKind = "Response"
	dataUnrecognized  dataKind = "unrecognized"
)

// dataKeys is the lookup order for record envelopes.
var dataKeys = []dataKind{dataUnderData, dataUnderResponse}

type dataPayload struct {
	kind    dataKind
	records []domain.Record
	skipped int
}

// decodeData classifies a data response. The first envelope key holding an
// array wins, even when the array is empty.
func decodeData(raw json.RawMessage) dataPayload {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return dataPayload{kind: dataUnrecognized}
	}

	for _, key := range dataKeys {
		body, ok := envelope[string(key)]
		if !ok {
			continue
		}
		// null decodes into a nil slice without error; only a real array counts.
		if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			continue
		}
		records, skipped := decodeRecords(items)
		return dataPayload{kind: key, records: records, skipped: skipped}
	}
	return dataPayload{kind: dataUnrecognized}
}

func decodeRecords(items []json.RawMessage) ([]domain.Record, int) {
	records := make([]domain.Record, 0, len(items))
	skipped := 0
	for _, item := range items {
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil || m == nil {
			skipped++
			continue
		}
		records = append(records, flatten(m))
	}
	return records, skipped
}

// flatten keeps scalar values and serializes nested objects and arrays as
// JSON text. Integral numbers become int64.
func flatten(m map[string]any) domain.Record {
	flat := make(domain.Record, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string, bool, nil:
			flat[k] = val
		case json.Number:
			flat[k] = number(val)
		default:
			b, _ := json.Marshal(val)
			flat[k] = string(b)
		}
	}
	return flat
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
