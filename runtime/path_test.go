package runtime

import (
	"testing"
)

func TestChildPath(t *testing.T) {
	testCases := []struct {
		prefix   string
		name     string
		expected string
	}{
		{".", "a", ".a"},
		{"", "a", ".a"},
		{".a", "b", ".a.b"},
		{".a.b", "c[1]", ".a.b.c[1]"},
	}

	for _, tc := range testCases {
		actual := childPath(tc.prefix, tc.name)
		if actual != tc.expected {
			t.Errorf("childPath(%q, %q) = %q, expected %q", tc.prefix, tc.name, actual, tc.expected)
		}
	}
}

func TestMatchName(t *testing.T) {
	testCases := []struct {
		name     string
		pattern  string
		expected bool
	}{
		{".a.c.b", ".a.*.b", true},
		{".a.b.c.b", ".a.*.b", false},
		{".step2", ".step2", true},
		{".step2", ".step", false},
		{".step2[1]", ".step2*", true},
		{".x.y", ".*", false},
		{".x", ".*", true},
		{".a", "", false},
		// Regex metacharacters in names are literal
		{".a[1]", ".a[1]", true},
		{".a1", ".a[1]", false},
	}

	for _, tc := range testCases {
		actual := MatchName(tc.name, tc.pattern)
		if actual != tc.expected {
			t.Errorf("MatchName(%q, %q) = %v, expected %v", tc.name, tc.pattern, actual, tc.expected)
		}
	}
}

func TestIsParentOf(t *testing.T) {
	testCases := []struct {
		parent   string
		child    string
		expected bool
	}{
		{".main.pipeline_A1", ".main.pipeline_A1.*", true},
		{".main.pipeline_A1", ".main.pipeline_A1.pipeline_B1", true},
		{".main.pipeline_A1", ".main.pipeline_A2", false},
		{".", ".step2", true},
		{".step1", ".step2", false},
		{".main", ".main.a.b", false},
	}

	for _, tc := range testCases {
		actual := IsParentOf(tc.parent, tc.child)
		if actual != tc.expected {
			t.Errorf("IsParentOf(%q, %q) = %v, expected %v", tc.parent, tc.child, actual, tc.expected)
		}
	}
}
