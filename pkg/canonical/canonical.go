// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package canonical produces order-independent JSON encodings and short
// content hashes.
//
// The encoding sorts object keys, renders set-like maps (map[T]struct{} and
// map[T]bool with only true values) as sorted arrays, formats time.Time as
// RFC 3339 with nanoseconds and replaces reference cycles with "[Circular]".
// Two values that are equal up to map iteration order always produce the
// same bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// HashLength is the number of hex characters kept by Hash.
const HashLength = 16

// CircularMarker replaces a value that refers back to one of its ancestors.
const CircularMarker = "[Circular]"

var (
	timeType          = reflect.TypeOf(time.Time{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the first HashLength hex characters of the SHA-256 digest of
// the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength], nil
}

// MustHash is like Hash but panics on error.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canonical.MustHash: %v", err))
	}
	return h
}

// Normalize converts v into a tree of map[string]any, []any and JSON
// scalars. Struct fields honor json tags.
func Normalize(v any) (any, error) {
	n := &normalizer{visiting: make(map[uintptr]bool)}
	return n.value(reflect.ValueOf(v))
}

type normalizer struct {
	visiting map[uintptr]bool
}

func (n *normalizer) enter(v reflect.Value) (bool, func()) {
	ptr := v.Pointer()
	if ptr == 0 {
		return true, func() {}
	}
	if n.visiting[ptr] {
		return false, nil
	}
	n.visiting[ptr] = true
	return true, func() { delete(n.visiting, ptr) }
}

func (n *normalizer) value(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	if v.Type() == timeType {
		return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano), nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return n.value(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem() == timeType {
			return n.value(v.Elem())
		}
		ok, leave := n.enter(v)
		if !ok {
			return CircularMarker, nil
		}
		defer leave()
		return n.value(v.Elem())

	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		ok, leave := n.enter(v)
		if !ok {
			return CircularMarker, nil
		}
		defer leave()
		if isSetLike(v) {
			return n.set(v)
		}
		return n.object(v)

	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes(), nil
		}
		ok, leave := n.enter(v)
		if !ok {
			return CircularMarker, nil
		}
		defer leave()
		return n.array(v)

	case reflect.Array:
		return n.array(v)

	case reflect.Struct:
		if v.Type().Implements(jsonMarshalerType) || reflect.PointerTo(v.Type()).Implements(jsonMarshalerType) {
			return viaJSON(v)
		}
		return n.structure(v)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, nil

	default:
		return v.Interface(), nil
	}
}

func (n *normalizer) array(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := n.value(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = item
	}
	return out, nil
}

func (n *normalizer) object(v reflect.Value) (any, error) {
	out := make(map[string]any, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		key, err := keyString(iter.Key())
		if err != nil {
			return nil, err
		}
		item, err := n.value(iter.Value())
		if err != nil {
			return nil, err
		}
		out[key] = item
	}
	return out, nil
}

// set renders members sorted by their canonical encoding.
func (n *normalizer) set(v reflect.Value) (any, error) {
	type member struct {
		value   any
		encoded string
	}
	members := make([]member, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		item, err := n.value(iter.Key())
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := encode(&buf, item); err != nil {
			return nil, err
		}
		members = append(members, member{value: item, encoded: buf.String()})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].encoded < members[j].encoded })
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m.value
	}
	return out, nil
}

func (n *normalizer) structure(v reflect.Value) (any, error) {
	out := make(map[string]any)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, omitEmpty, skip := parseTag(field)
		if skip {
			continue
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		item, err := n.value(fv)
		if err != nil {
			return nil, err
		}
		out[name] = item
	}
	return out, nil
}

func parseTag(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

// isSetLike reports whether a map models a set: struct{} values, or bool
// values that are all true.
func isSetLike(v reflect.Value) bool {
	elem := v.Type().Elem()
	if elem.Kind() == reflect.Struct && elem.NumField() == 0 {
		return true
	}
	if elem.Kind() != reflect.Bool || v.Len() == 0 {
		return false
	}
	iter := v.MapRange()
	for iter.Next() {
		if !iter.Value().Bool() {
			return false
		}
	}
	return true
}

func keyString(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if k.Type().Implements(textMarshalerType) {
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		return string(b), err
	}
	return fmt.Sprint(k.Interface()), nil
}

func viaJSON(v reflect.Value) (any, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// encode writes normalized values with sorted object keys.
func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: %w", err)
		}
		buf.Write(b)
		return nil
	}
}
