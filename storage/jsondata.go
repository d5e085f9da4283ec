package storage

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

// JSONData stores an arbitrary JSON object in a text column.
//
// Numbers are decoded as json.Number so integers wider than 53 bits survive a round trip.
// Go offers no mutation proxy, so nested edits are persisted by saving the owning record:
// every save serializes the current map in full.
type JSONData map[string]any

// Value implements driver.Valuer.
func (d JSONData) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSerialization, err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (d *JSONData) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		raw = typed
	case string:
		raw = []byte(typed)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrSerialization, value)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		*d = nil
		return nil
	}
	decoded, err := decodeJSONObject(raw)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}

func decodeJSONObject(raw []byte) (JSONData, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded map[string]any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSerialization, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decode: trailing data after object", ErrSerialization)
	}
	if decoded == nil {
		return nil, nil
	}
	return JSONData(decoded), nil
}

// Clone returns a deep copy of the object.
func (d JSONData) Clone() JSONData {
	if d == nil {
		return nil
	}
	return JSONData(cloneMap(d))
}

// Update copies every top-level key of other into d, replacing existing values.
func (d JSONData) Update(other JSONData) {
	for key, value := range other {
		d[key] = cloneValue(value)
	}
}

// Merge folds patch into d. Nested objects present on both sides are merged key by key;
// every other value in patch replaces the value in d.
func (d JSONData) Merge(patch JSONData) {
	mergeInto(d, patch)
}

// Equal reports whether both objects serialize to the same JSON.
func (d JSONData) Equal(other JSONData) bool {
	left, err := json.Marshal(map[string]any(d))
	if err != nil {
		return false
	}
	right, err := json.Marshal(map[string]any(other))
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// String returns the value at key when it is a JSON string.
func (d JSONData) String(key string) string {
	value, ok := d[key].(string)
	if !ok {
		return ""
	}
	return value
}

// Int64 returns the value at key when it holds an integral number.
func (d JSONData) Int64(key string) (int64, bool) {
	switch typed := d[key].(type) {
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, true
		}
		if parsed, err := typed.Float64(); err == nil {
			return floatToInt64(parsed)
		}
	case float64:
		return floatToInt64(typed)
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case string:
		if parsed, err := strconv.ParseInt(typed, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

// floatToInt64 truncates value toward zero. Values outside the int64 range and NaN are rejected.
func floatToInt64(value float64) (int64, bool) {
	if math.IsNaN(value) || value < math.MinInt64 || value >= math.MaxInt64 {
		return 0, false
	}
	return int64(value), true
}

func asObject(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case JSONData:
		return typed, true
	default:
		return nil, false
	}
}

func mergeInto(target map[string]any, patch map[string]any) {
	for key, patchValue := range patch {
		patchObject, patchIsObject := asObject(patchValue)
		existingObject, existingIsObject := asObject(target[key])
		if patchIsObject && existingIsObject {
			mergeInto(existingObject, patchObject)
			continue
		}
		target[key] = cloneValue(patchValue)
	}
}

func cloneMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case JSONData:
		return cloneMap(typed)
	case []any:
		copied := make([]any, len(typed))
		for index, item := range typed {
			copied[index] = cloneValue(item)
		}
		return copied
	default:
		return value
	}
}

// encodable reports serialization problems before a write reaches the driver.
func (d JSONData) encodable() error {
	_, err := d.Value()
	return err
}
