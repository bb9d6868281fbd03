package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	cases := []*Envelope{
		NewRequest("req-1", "automation.execute", map[string]any{"task": "deploy", "retries": float64(3)}),
		NewNotification("n-1", "automation.status_update", map[string]any{"state": "running"}),
		NewResponse("req-1", map[string]any{"ok": true}),
		NewError("req-2", CodeClientNotFound, "AutomationService not connected"),
	}

	for _, in := range cases {
		data, err := in.Encode()
		if err != nil {
			t.Fatalf("encode %s: %v", in.Type, err)
		}
		out, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Type, err)
		}
		// Error.Data round-trips through any; compare the envelopes field-wise.
		if out.ID != in.ID || out.Type != in.Type || out.Method != in.Method || out.Timestamp != in.Timestamp {
			t.Fatalf("envelope mismatch: got %+v want %+v", out, in)
		}
		if !reflect.DeepEqual(out.Params, in.Params) {
			t.Fatalf("params mismatch: got %#v want %#v", out.Params, in.Params)
		}
		if !reflect.DeepEqual(out.Error, in.Error) {
			t.Fatalf("error mismatch: got %#v want %#v", out.Error, in.Error)
		}
	}
}

func TestDecode_RejectsMalformedShapes(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"not json", `{`, "invalid JSON"},
		{"unknown type", `{"id":"1","type":"PING"}`, "unknown message type"},
		{"request with result", `{"id":"1","type":"REQUEST","method":"server.ping","result":{}}`, "cannot carry result or error"},
		{"response with error", `{"id":"1","type":"RESPONSE","error":{"code":-32000,"message":"x"}}`, "cannot carry an error"},
		{"response without result", `{"id":"1","type":"RESPONSE"}`, "missing result member"},
		{"error without error member", `{"id":"1","type":"ERROR"}`, "missing error member"},
		{"error with result", `{"id":"1","type":"ERROR","error":{"code":-32000,"message":"x"},"result":1}`, "cannot carry a result"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if err == nil {
				t.Fatal("expected decode error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDecode_NullResultCountsAsPresent(t *testing.T) {
	env, err := Decode([]byte(`{"id":"1","type":"RESPONSE","result":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Result != nil {
		t.Fatalf("result = %#v, want nil", env.Result)
	}
}

func TestDecode_DefaultsTimestamp(t *testing.T) {
	env, err := Decode([]byte(`{"id":"1","type":"REQUEST","method":"server.ping"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Timestamp == 0 {
		t.Fatal("expected timestamp to be populated")
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"automation_service", RoleService, false},
		{"AUTOMATION_SERVICE", RoleService, false},
		{" Automation_Scheduler ", RoleScheduler, false},
		{"admin", RoleAdmin, false},
		{"", "", true},
		{"operator", "", true},
	}

	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
