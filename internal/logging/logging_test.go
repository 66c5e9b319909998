package logging

import "testing"

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"DEBUG", "console", false},
		{"warn", "", false},
		{"loud", "json", true},
		{"info", "xml", true},
	} {
		l, err := New(tc.level, tc.format)
		if (err != nil) != tc.wantErr {
			t.Errorf("New(%q, %q) error = %v, wantErr %v", tc.level, tc.format, err, tc.wantErr)
		}
		if err == nil && l == nil {
			t.Errorf("New(%q, %q) returned nil logger", tc.level, tc.format)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) should return a logger")
	}
}
