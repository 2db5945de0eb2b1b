package action

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const actionTestPrefix = "action:action_test"

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{"minimal", `{"type":"ping"}`, "ping", false},
		{"with params", `{"id":"r1","type":"invoke","method":"echo","params":{"a":1}}`, "invoke", false},
		{"unknown fields ignored", `{"type":"ping","extra":true}`, "ping", false},
		{"missing type", `{"a":1}`, "", true},
		{"null document", `null`, "", true},
		{"empty document", ``, "", true},
		{"truncated", `{"type":`, "", true},
		{"array", `[1,2]`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Parse([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("%s - expected error, got action %+v", actionTestPrefix, a)
				}
				if !errors.Is(err, ErrParse) {
					t.Errorf("%s - error %v does not wrap ErrParse", actionTestPrefix, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", actionTestPrefix, err)
			}
			if a.Type != tt.wantType {
				t.Errorf("%s - Type = %q, want %q", actionTestPrefix, a.Type, tt.wantType)
			}
		})
	}
}

func TestParse_KeepsRawParams(t *testing.T) {
	a, err := Parse([]byte(`{"type":"invoke","params":{"b":[1,2,3]}}`))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", actionTestPrefix, err)
	}
	if string(a.Params) != `{"b":[1,2,3]}` {
		t.Errorf("%s - Params = %s, want raw object", actionTestPrefix, a.Params)
	}
}

func TestServerErr_Encode(t *testing.T) {
	text, err := ServerErr(NewActionError("StringToAction", "bad json")).Encode()
	if err != nil {
		t.Fatalf("%s - encode failed: %v", actionTestPrefix, err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		t.Fatalf("%s - reply is not JSON: %v", actionTestPrefix, err)
	}
	if decoded["type"] != TypeServerErr {
		t.Errorf("%s - type = %v, want %s", actionTestPrefix, decoded["type"], TypeServerErr)
	}
	detail, ok := decoded["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("%s - missing error object in %s", actionTestPrefix, text)
	}
	if detail["context"] != "StringToAction" {
		t.Errorf("%s - context = %v, want StringToAction", actionTestPrefix, detail["context"])
	}
	if detail["message"] != "bad json" {
		t.Errorf("%s - message = %v, want %q", actionTestPrefix, detail["message"], "bad json")
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	original := &Action{
		ID:     "req-7",
		Type:   "invoke",
		Method: "upload",
		Params: json.RawMessage(`{"name":"a.bin"}`),
		Ctx:    &InvocationContext{TenantID: "t1"},
	}
	text, err := original.Encode()
	if err != nil {
		t.Fatalf("%s - encode failed: %v", actionTestPrefix, err)
	}
	if strings.Contains(text, `"error"`) {
		t.Errorf("%s - non-error action encoded an error field: %s", actionTestPrefix, text)
	}

	got, err := Parse([]byte(text))
	if err != nil {
		t.Fatalf("%s - parse failed: %v", actionTestPrefix, err)
	}
	if got.ID != "req-7" || got.Method != "upload" || got.Ctx == nil || got.Ctx.TenantID != "t1" {
		t.Errorf("%s - round trip mismatch: %+v", actionTestPrefix, got)
	}
}

func TestEncode_InvalidParams(t *testing.T) {
	a := &Action{Type: "invoke", Params: json.RawMessage(`{not json`)}
	if _, err := a.Encode(); err == nil {
		t.Fatalf("%s - expected error for invalid raw params", actionTestPrefix)
	}
}

func TestActionError_Error(t *testing.T) {
	err := NewActionError("BinaryToAction", "frame too short")
	if err.Error() != "BinaryToAction: frame too short" {
		t.Errorf("%s - Error() = %q", actionTestPrefix, err.Error())
	}
	if !ServerErr(err).IsServerErr() {
		t.Errorf("%s - ServerErr should report IsServerErr", actionTestPrefix)
	}
}
