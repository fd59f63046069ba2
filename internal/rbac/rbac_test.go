package rbac

import "testing"

func TestAtLeast(t *testing.T) {
	cases := []struct {
		role, min Role
		want      bool
	}{
		{RoleAnalyst, RoleAnalyst, true},
		{RoleAnalyst, RoleVerifier, false},
		{RoleVerifier, RoleAnalyst, true},
		{RoleAdmin, RoleVerifier, true},
		{RoleArchitect, RoleAdmin, true},
		{Role("intern"), RoleAnalyst, false},
	}
	for _, c := range cases {
		if got := AtLeast(c.role, c.min); got != c.want {
			t.Errorf("AtLeast(%q, %q) = %v, want %v", c.role, c.min, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(" Admin ") != RoleAdmin {
		t.Error("normalize should trim and lowercase")
	}
	if Normalize("superuser") != RoleAnalyst {
		t.Error("unknown roles default to analyst")
	}
}
