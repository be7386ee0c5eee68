package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const detailsMarker = "DetailsJSON:"

// ExtractDetails returns the JSON object embedded after "DetailsJSON:" in
// a notes field, or nil when there is none or it does not parse.
func ExtractDetails(notes string) map[string]any {
	idx := strings.Index(notes, detailsMarker)
	if idx < 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(notes[idx+len(detailsMarker):]))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil
	}
	return details
}

// ExtractDetailsInto decodes the embedded details into v.
func ExtractDetailsInto(notes string, v any) error {
	details := ExtractDetails(notes)
	if details == nil {
		return fmt.Errorf("no details embedded")
	}
	body, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// EmbedDetails replaces any embedded details in notes with details.
func EmbedDetails(notes string, details any) string {
	body, err := json.Marshal(details)
	if err != nil {
		return notes
	}
	return strings.TrimSpace(stripDetails(notes) + "\n" + detailsMarker + " " + string(body))
}

func stripDetails(notes string) string {
	idx := strings.Index(notes, detailsMarker)
	if idx < 0 {
		return strings.TrimSpace(notes)
	}
	rest := notes[idx+len(detailsMarker):]
	dec := json.NewDecoder(strings.NewReader(rest))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return strings.TrimSpace(notes[:idx])
	}
	tail := rest[dec.InputOffset():]
	return strings.TrimSpace(notes[:idx] + tail)
}

// AppendNote adds a timestamped line to an append-only notes log.
func AppendNote(notes string, at time.Time, line string) string {
	entry := fmt.Sprintf("[%s] %s", at.Format("2006-01-02 15:04"), line)
	if strings.TrimSpace(notes) == "" {
		return entry
	}
	return notes + "\n" + entry
}

// DetailString reads a string value from extracted details.
func DetailString(d map[string]any, key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// DetailFloat reads a numeric value from extracted details.
func DetailFloat(d map[string]any, key string) float64 {
	switch v := d[key].(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case float64:
		return v
	case string:
		var f float64
		fmt.Sscan(v, &f)
		return f
	}
	return 0
}

// ResourceAmount is one entry of an activity's Resources list.
type ResourceAmount struct {
	ResourceId string  `json:"ResourceId"`
	Amount     float64 `json:"Amount"`
}

// ParseResources decodes an activity's Resources JSON list.
func ParseResources(raw string) ([]ResourceAmount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []ResourceAmount
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse resources: %w", err)
	}
	return out, nil
}

// EncodeResources renders a Resources list, merging duplicate types in a
// stable order.
func EncodeResources(items []ResourceAmount) string {
	merged := map[string]float64{}
	for _, it := range items {
		merged[it.ResourceId] += it.Amount
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ResourceAmount, 0, len(keys))
	for _, k := range keys {
		out = append(out, ResourceAmount{ResourceId: k, Amount: merged[k]})
	}
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(out)
	return strings.TrimSpace(buf.String())
}
