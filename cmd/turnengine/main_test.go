package main

import "testing"

func TestBuildRootCmdIncludesServe(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	if !names["serve"] {
		t.Fatalf("expected subcommand %q to be registered", "serve")
	}
}

func TestBuildRootCmdDefaultConfigPath(t *testing.T) {
	cmd := buildRootCmd()
	flag := cmd.PersistentFlags().Lookup("config")
	if flag == nil {
		t.Fatal("expected --config flag to be registered")
	}
	if flag.DefValue != "config.yaml" {
		t.Fatalf("expected default config path %q, got %q", "config.yaml", flag.DefValue)
	}
}

func TestBuildRootCmdCodeHomeFlagDefaultsEmpty(t *testing.T) {
	cmd := buildRootCmd()
	flag := cmd.PersistentFlags().Lookup("code-home")
	if flag == nil {
		t.Fatal("expected --code-home flag to be registered")
	}
	if flag.DefValue != "" {
		t.Fatalf("expected empty default code-home, got %q", flag.DefValue)
	}
}
