// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type endpointReport struct {
	PID  uint32 `cbor:"pid"`
	Port uint16 `cbor:"port"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"pid": 42, "port": 5250, "action": "status"}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"pid": 7, "port": 5251, "extra": "ignored"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var report endpointReport
	if err := Unmarshal(data, &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if report.PID != 7 || report.Port != 5251 {
		t.Errorf("decoded %+v, want pid=7 port=5251", report)
	}
}

func TestDecodeAnyProducesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"slots": []any{map[string]any{"id": 1}}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("top-level type = %T, want map[string]any", decoded)
	}
	slots, ok := top["slots"].([]any)
	if !ok || len(slots) != 1 {
		t.Fatalf("slots = %#v, want one element", top["slots"])
	}
	if _, ok := slots[0].(map[string]any); !ok {
		t.Errorf("nested type = %T, want map[string]any", slots[0])
	}
}

func TestStreamRoundtrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	reports := []endpointReport{{PID: 1, Port: 10}, {PID: 2, Port: 20}}
	for _, report := range reports {
		if err := encoder.Encode(report); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range reports {
		var got endpointReport
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode[%d]: %v", i, err)
		}
		if got != want {
			t.Errorf("Decode[%d] = %+v, want %+v", i, got, want)
		}
	}
}
