/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/lexgraph/lexgraph/pkg/errors"
)

// Encode serializes a value for a tier boundary. Only data shapes are
// accepted: strings, booleans, numbers, nil, and slices or string-keyed maps
// thereof. Anything else is refused before it can be stored.
func Encode(value any) ([]byte, error) {
	if err := validateShape(reflect.ValueOf(value), 0); err != nil {
		return nil, errors.Wrap(errors.KindCacheCorrupted, fmt.Errorf("refusing to encode, %w", err))
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrap(errors.KindCacheCorrupted, fmt.Errorf("encoding value, %w", err))
	}
	return data, nil
}

// Decode parses tier bytes back into the whitelisted shapes. json.Unmarshal
// into any can only yield string, float64, bool, nil, []any, and
// map[string]any; payloads that fail to parse, or that carry trailing data,
// are corrupted.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, errors.Wrap(errors.KindCacheCorrupted, fmt.Errorf("decoding value, %w", err))
	}
	if dec.More() {
		return nil, errors.New(errors.KindCacheCorrupted, "trailing data after value")
	}
	return value, nil
}

const maxShapeDepth = 32

func validateShape(v reflect.Value, depth int) error {
	if depth > maxShapeDepth {
		return fmt.Errorf("value nests deeper than %d levels", maxShapeDepth)
	}
	if !v.IsValid() {
		return nil // untyped nil
	}
	switch v.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return validateShape(v.Elem(), depth)
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if err := validateShape(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map keyed by %s, only string keys are allowed", v.Type().Key())
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := validateShape(iter.Value(), depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s is not a whitelisted value type", v.Kind())
	}
}
