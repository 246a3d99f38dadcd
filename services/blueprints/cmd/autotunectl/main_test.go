package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolve(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "valid slug", args: []string{"resolve", "--root", root, "election-map"}, want: filepath.Join(root, "election-map")},
		{name: "invalid slug", args: []string{"resolve", "--root", root, "../etc"}, wantErr: true},
		{name: "missing slug", args: []string{"resolve", "--root", root}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCommand(&out)
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := strings.TrimSpace(out.String()); !tt.wantErr && got != tt.want {
				t.Fatalf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSyncRequiresDatabase(t *testing.T) {
	t.Setenv("DB_DSN", "")
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"sync", "election-map", "--no-events"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("sync ran without DB_DSN")
	}
}
