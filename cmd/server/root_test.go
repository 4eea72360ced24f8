package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootCmdConfigFlag(t *testing.T) {
	cmd := newRootCmd()
	f := cmd.PersistentFlags().Lookup("config")
	if f == nil {
		t.Fatal("missing --config flag")
	}
	if f.Shorthand != "c" {
		t.Errorf("shorthand = %q, want c", f.Shorthand)
	}
	if !cmd.SilenceUsage {
		t.Error("usage should not be printed on runtime errors")
	}
}

func TestRootCmdReadsConfigFromFlag(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	cmd.SetArgs([]string{"-c", path})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v, want a config load error", err)
	}
}

func TestRootCmdRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"extra"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for positional arguments")
	}
}
