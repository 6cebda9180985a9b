package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/config"
	"github.com/spf13/cobra"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// testFlags points the CLI at a throwaway config and workspace.
func testFlags(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	return []string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--workspace", filepath.Join(dir, "ws"),
		"--log-level", "error",
	}
}

func TestCLIHelp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{"root", []string{"--help"}, []string{"serve", "drain", "compact", "jobs", "init", "--config", "--workspace"}},
		{"jobs", []string{"jobs", "--help"}, []string{"list", "run"}},
		{"serve", []string{"serve", "--help"}, []string{"--listen", "/metrics"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			output, err := runRootCommandForTest(tc.args...)
			if err != nil {
				t.Fatalf("execute %v: %v\nOutput:\n%s", tc.args, err, output)
			}
			for _, w := range tc.want {
				if !strings.Contains(output, w) {
					t.Errorf("help for %v missing %q\n%s", tc.args, w, output)
				}
			}
		})
	}
}

func TestCLIRootRequiresSubcommand(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error without a subcommand")
	}
}

func TestCLIVersion(t *testing.T) {
	output, err := runRootCommandForTest("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(output, appName+" "+version) {
		t.Fatalf("unexpected version output %q", output)
	}
}

func TestCLIInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmemory.yaml")

	output, err := runRootCommandForTest("init", "--config", path, "--workspace", filepath.Join(dir, "ws"))
	if err != nil {
		t.Fatalf("init: %v\n%s", err, output)
	}
	if !strings.Contains(output, path) {
		t.Fatalf("init output %q does not name %s", output, path)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Workspace != filepath.Join(dir, "ws") {
		t.Fatalf("workspace = %q", cfg.Workspace)
	}

	if _, err := runRootCommandForTest("init", "--config", path); err == nil {
		t.Fatal("second init without --force should fail")
	}
	if _, err := runRootCommandForTest("init", "--config", path, "--force"); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestCLIJobsList(t *testing.T) {
	output, err := runRootCommandForTest(append(testFlags(t), "jobs", "list")...)
	if err != nil {
		t.Fatalf("jobs list: %v\n%s", err, output)
	}
	for _, id := range []string{"index-sync", "rollup", "compaction", "vector-prune", "search-prune"} {
		if !strings.Contains(output, id) {
			t.Errorf("jobs list missing %s\n%s", id, output)
		}
	}
	if !strings.Contains(output, "0 0 3 * * *") {
		t.Errorf("jobs list missing rollup cron\n%s", output)
	}
}

func TestPrintScheduleDisabledJob(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Jobs.Compaction.Enabled = false

	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	if err := printSchedule(root, cfg, now); err != nil {
		t.Fatalf("printSchedule: %v", err)
	}
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "compaction") && !strings.HasSuffix(strings.TrimSpace(line), "-") {
			t.Fatalf("disabled job should have no next fire: %q", line)
		}
	}
}

func TestCLIDrainAndRunJob(t *testing.T) {
	flags := testFlags(t)

	output, err := runRootCommandForTest(append(flags, "drain")...)
	if err != nil {
		t.Fatalf("drain: %v\n%s", err, output)
	}
	if !strings.Contains(output, "processed=0") {
		t.Fatalf("drain output %q", output)
	}

	output, err = runRootCommandForTest(append(flags, "jobs", "run", "rollup")...)
	if err != nil {
		t.Fatalf("jobs run: %v\n%s", err, output)
	}
	if !strings.Contains(output, "rollup: success") {
		t.Fatalf("jobs run output %q", output)
	}

	if _, err := runRootCommandForTest(append(flags, "jobs", "run", "nope")...); err == nil {
		t.Fatal("unknown job should fail")
	}

	if _, err := runRootCommandForTest(append(flags, "compact")...); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestDocsWriteAndCheck(t *testing.T) {
	out := t.TempDir()
	run := func(args ...string) error {
		cmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--output", out}, args...))
		return cmd.Execute()
	}

	if err := run("--check"); err == nil {
		t.Fatal("check should fail before anything is written")
	}
	if err := run(); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := run("--check"); err != nil {
		t.Fatalf("check after write: %v", err)
	}

	configRef, err := os.ReadFile(filepath.Join(out, "config.md"))
	if err != nil {
		t.Fatalf("read config reference: %v", err)
	}
	for _, want := range []string{
		"| `jobs.rollup.cron` | `string` | `AGENTMEMORY_JOBS_ROLLUP_CRON` | `0 0 3 * * *` |",
		"| `jobs.rollup.jitter` | `duration` | `AGENTMEMORY_JOBS_ROLLUP_JITTER` | `1m0s` |",
		"| `storage.targets` | `list of string` | `AGENTMEMORY_STORAGE_TARGETS` | `vector,search` |",
	} {
		if !strings.Contains(string(configRef), want) {
			t.Errorf("config reference missing %q\n%s", want, configRef)
		}
	}

	cliRef, err := os.ReadFile(filepath.Join(out, "cli.md"))
	if err != nil {
		t.Fatalf("read cli reference: %v", err)
	}
	for _, want := range []string{"## agentmemoryd serve", "## agentmemoryd jobs run"} {
		if !strings.Contains(string(cliRef), want) {
			t.Errorf("cli reference missing %q", want)
		}
	}

	if err := os.WriteFile(filepath.Join(out, "jobs.md"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = run("--check")
	if err == nil || !strings.Contains(err.Error(), "jobs.md") {
		t.Fatalf("check should name the stale file, got %v", err)
	}
}
