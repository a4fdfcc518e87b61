package main

import (
	"testing"

	"github.com/paddock/racecore/cluster"
)

func TestParseRole(t *testing.T) {
	cases := map[string]cluster.Role{
		"":        cluster.RolePrimary,
		"primary": cluster.RolePrimary,
		"split":   cluster.RoleSplitSecondary,
		"mirror":  cluster.RoleMirrorSecondary,
	}
	for in, want := range cases {
		got, err := parseRole(in)
		if err != nil {
			t.Fatalf("parseRole(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseRole(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseRoleRejectsUnknown(t *testing.T) {
	if _, err := parseRole("bogus"); err == nil {
		t.Fatal("expected an error for an unknown cluster role")
	}
}
