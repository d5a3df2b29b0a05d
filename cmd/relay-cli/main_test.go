package main

import "testing"

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"42", 42, false},
		{"#7", 7, false},
		{"0", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"-3", 0, true},
	}
	for _, tc := range tests {
		got, err := parseID(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseID(%q) = %d, %v", tc.in, got, err)
		}
	}
}
