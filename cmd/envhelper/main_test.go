package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envs.yaml")
	doc := "apiVersion: envhelper/v1\nenvironments:\n  - {owner: alice, name: dev, type: vscode}\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "-f", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "1 environment(s) OK") || !strings.Contains(out.String(), "alice/dev (vscode)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "envs.yaml")
	if err := os.WriteFile(path, []byte("apiVersion: envhelper/v9\nenvironments: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"validate", "-f", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected validation to fail")
	}
}
