package schema

import (
	"errors"
	"testing"
)

func TestEncodeEventWireShape(t *testing.T) {
	cases := []struct {
		event StreamEvent
		want  string
	}{
		{StatusEvent{Message: "devbox running"}, `{"type":"status","message":"devbox running"}`},
		{ChunkEvent{Data: "line\n"}, `{"type":"chunk","data":"line\n"}`},
		{ChunkEvent{}, `{"type":"chunk","data":""}`},
		{ErrorEvent{Message: "boom"}, `{"type":"error","message":"boom"}`},
		{DoneEvent{}, `{"type":"done"}`},
	}
	for _, tc := range cases {
		got, err := EncodeEvent(tc.event)
		if err != nil {
			t.Fatalf("encode %T: %v", tc.event, err)
		}
		if string(got) != tc.want {
			t.Fatalf("encode %T: got %s want %s", tc.event, got, tc.want)
		}
	}
}

func TestDecodeEventVariants(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"chunk","data":"abc"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	chunk, ok := ev.(ChunkEvent)
	if !ok || chunk.Data != "abc" {
		t.Fatalf("unexpected event: %#v", ev)
	}
	ev, err = DecodeEvent([]byte(`{"type":"done"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := ev.(DoneEvent); !ok {
		t.Fatalf("expected done, got %#v", ev)
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"progress","message":"x"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
