package event

import (
	"testing"
)

func TestDecodeRejectsMissingTag(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{"x":1}}`)); err == nil {
		t.Fatal("expected error for missing event tag")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodeFillsNilData(t *testing.T) {
	env, err := Decode([]byte(`{"event":"agent:heartbeat"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data == nil {
		t.Fatal("expected non-nil data map")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := New(TagMessageSend, map[string]any{
		"content":    "hello",
		"recipients": []any{"a", "b"},
		"priority":   float64(3),
	})
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Event != TagMessageSend {
		t.Errorf("expected %s, got %s", TagMessageSend, out.Event)
	}
	if out.String("content") != "hello" {
		t.Errorf("expected content hello, got %q", out.String("content"))
	}
}

func TestNewReplacesNilData(t *testing.T) {
	env := New(TagConnected, nil)
	if env.Data == nil {
		t.Fatal("expected non-nil data map")
	}
}

func TestAccessors(t *testing.T) {
	env := New(TagTaskCreate, map[string]any{
		"title":      "build it",
		"priority":   float64(4),
		"recipients": []any{"a", 7, "b"},
		"requirements": map[string]any{
			"lang": "go",
		},
	})

	if got := env.String("title"); got != "build it" {
		t.Errorf("String: got %q", got)
	}
	if got := env.String("missing"); got != "" {
		t.Errorf("String on missing key: got %q", got)
	}
	if got := env.Int("priority", 1); got != 4 {
		t.Errorf("Int: got %d", got)
	}
	if got := env.Int("title", 9); got != 9 {
		t.Errorf("Int on non-number: got %d", got)
	}
	// Non-strings are skipped, not stringified.
	if got := env.StringSlice("recipients"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("StringSlice: got %v", got)
	}
	if got := env.Map("requirements"); got["lang"] != "go" {
		t.Errorf("Map: got %v", got)
	}
	if got := env.Map("title"); got != nil {
		t.Errorf("Map on non-object: got %v", got)
	}
}
