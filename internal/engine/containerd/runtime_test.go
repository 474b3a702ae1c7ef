package containerd

import (
	"reflect"
	"sort"
	"strings"
	"testing"
)

func TestCandidateAddressesNormalizesAndDeduplicates(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	got := CandidateAddresses("unix:///run/containerd/containerd.sock")
	if got[0] != "/run/containerd/containerd.sock" {
		t.Fatalf("primary not first: %v", got)
	}
	count := 0
	for _, addr := range got {
		if addr == "/run/containerd/containerd.sock" {
			count++
		}
		if strings.HasPrefix(addr, "unix:") {
			t.Fatalf("address not normalized: %s", addr)
		}
	}
	if count != 1 {
		t.Fatalf("expected de-duplicated addresses, got %v", got)
	}
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/home/user"})
	sort.Strings(got)
	want := []string{"HOME=/home/user", "PATH=/bin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("mergeEnv = %v", got)
	}
}

func TestMatchesLabels(t *testing.T) {
	labels := map[string]string{"depsrelay.managed": "true", "depsrelay.agent": "deps"}
	if !matchesLabels(labels, nil) {
		t.Fatalf("empty selector should match")
	}
	if matchesLabels(labels, map[string]string{"depsrelay.agent": "lint"}) {
		t.Fatalf("mismatched selector should not match")
	}
}
