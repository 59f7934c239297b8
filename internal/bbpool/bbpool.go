// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bbpool parses the JSON pool inventory document returned by a
// burst-buffer plugin's get_sys_state script.
package bbpool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jontk/agentd/pkg/agenterrors"
)

const bytesToGB = float64(1 << 30)

// Entry is one pool as read from the JSON document, plus its derived
// GB-scaled fields.
type Entry struct {
	ID          string
	Units       string
	Granularity int64
	Quantity    int64
	Free        int64

	GBGranularity float64
	GBQuantity    float64
	GBFree        float64
}

// ParsePools decodes a get_sys_state document of shape
// {"<any-key>": [ {...}, {...} ]}. Only the last top-level key's array is
// materialized — this is documented upstream behavior, preserved here:
// callers are expected to send a single-key document such as
// {"pools":[...]}.
//
// Because "last key wins" depends on the object's key order in the
// source document, this uses encoding/json's token-streaming mode rather
// than unmarshaling into a map[string]T — Go map iteration order is
// randomized and would make the last-key rule unobservable.
func ParsePools(doc []byte) ([]Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))

	tok, err := dec.Token()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeMalformedJSON, "pool document: reading opening token", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, agenterrors.New(agenterrors.CodeMalformedJSON, "pool document: expected a top-level object")
	}

	var last []Entry
	sawKey := false

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.CodeMalformedJSON, "pool document: reading key", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, agenterrors.New(agenterrors.CodeMalformedJSON, "pool document: non-string key")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, agenterrors.Wrap(agenterrors.CodeMalformedJSON, fmt.Sprintf("pool document: decoding value for key %q", key), err)
		}

		entries, err := decodeEntries(raw)
		if err != nil {
			return nil, err
		}
		last = entries
		sawKey = true
	}

	if !sawKey {
		return nil, agenterrors.New(agenterrors.CodeMalformedJSON, "pool document: object has no keys")
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, agenterrors.Wrap(agenterrors.CodeMalformedJSON, "pool document: reading closing token", err)
	}

	return last, nil
}

func decodeEntries(raw json.RawMessage) ([]Entry, error) {
	var rawEntries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rawEntries); err != nil {
		return nil, agenterrors.Wrap(agenterrors.CodeMalformedJSON, "pool document: value is not an array of objects", err)
	}

	entries := make([]Entry, 0, len(rawEntries))
	for _, obj := range rawEntries {
		entries = append(entries, buildEntry(obj))
	}
	return entries, nil
}

func buildEntry(obj map[string]json.RawMessage) Entry {
	var e Entry
	e.ID = stringField(obj, "id")
	e.Units = stringField(obj, "units")
	e.Granularity = intField(obj, "granularity")
	e.Quantity = intField(obj, "quantity")
	e.Free = intField(obj, "free")

	if e.Units == "bytes" && e.Granularity != 0 {
		scale := float64(e.Granularity) / bytesToGB
		e.GBGranularity = scale
		e.GBQuantity = float64(e.Quantity) * scale
		e.GBFree = float64(e.Free) * scale
	} else {
		e.GBGranularity = float64(e.Granularity)
		e.GBQuantity = float64(e.Quantity)
		e.GBFree = float64(e.Free)
	}

	return e
}

// stringField returns the string value of key, or "" if absent or not a
// JSON string. Unrecognized keys and mistyped values are ignored per the
// parser's documented forgiving contract.
func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// intField returns the integer value of key, or 0 if absent or not a
// JSON number.
func intField(obj map[string]json.RawMessage, key string) int64 {
	raw, ok := obj[key]
	if !ok {
		return 0
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}
