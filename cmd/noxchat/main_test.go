package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestWhoamiWithoutSession(t *testing.T) {
	out, err := run(t, "whoami", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "not logged in")
}

func TestHistoryRequiresLogin(t *testing.T) {
	_, err := run(t, "history", "42", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "not logged in")

	_, err = run(t, "history", "abc", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "invalid user id")
}

func TestParsePeer(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{" 42 ", 42, false},
		{"7", 7, false},
		{"-1", 0, true},
		{"0", 0, true},
		{"bob", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parsePeer(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parsePeer(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parsePeer(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parsePeer(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
