package engine

import "testing"

func TestRefIDFallsBackToName(t *testing.T) {
	if got := (Ref{BoxName: "box", BoxID: "cid-1"}).ID(); got != "cid-1" {
		t.Fatalf("ID = %q, want cid-1", got)
	}
	if got := (Ref{BoxName: "box"}).ID(); got != "box" {
		t.Fatalf("ID without runtime id = %q, want box", got)
	}
}
