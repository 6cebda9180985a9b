package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/dotsetgreg/agentmemory/pkg/config"
	"github.com/dotsetgreg/agentmemory/pkg/daemon"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)
	cmd := &cobra.Command{
		Use:    "docs",
		Short:  "Write the CLI, config and job references",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			pages, err := renderReferences(rootFactory())
			if err != nil {
				return err
			}
			if checkOnly {
				return checkReferences(outputDir, pages)
			}
			return writeReferences(outputDir, pages)
		},
	}
	cmd.Flags().StringVar(&outputDir, "output", "docs/reference", "Reference directory")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "Fail if the files on disk are out of date")
	return cmd
}

// referencePage is one generated file, relative to the output directory.
type referencePage struct {
	name    string
	content []byte
}

func renderReferences(root *cobra.Command) ([]referencePage, error) {
	cli, err := renderCLIReference(root)
	if err != nil {
		return nil, err
	}
	return []referencePage{
		{name: "cli.md", content: cli},
		{name: "config.md", content: []byte(renderConfigReference())},
		{name: "jobs.md", content: []byte(renderJobsReference())},
	}, nil
}

func writeReferences(dir string, pages []referencePage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, p := range pages {
		if err := os.WriteFile(filepath.Join(dir, p.name), p.content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	return nil
}

func checkReferences(dir string, pages []referencePage) error {
	var errs []error
	for _, p := range pages {
		onDisk, err := os.ReadFile(filepath.Join(dir, p.name))
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		case !bytes.Equal(onDisk, p.content):
			errs = append(errs, fmt.Errorf("%s is out of date; run `agentmemoryd docs`", p.name))
		}
	}
	return errors.Join(errs...)
}

// renderCLIReference concatenates the markdown of every visible command into
// one page, parents before children.
func renderCLIReference(root *cobra.Command) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# CLI Reference\n\n")
	var walk func(cmd *cobra.Command) error
	walk = func(cmd *cobra.Command) error {
		cmd.DisableAutoGenTag = true
		if err := cobraDoc.GenMarkdownCustom(cmd, &buf, anchorLink); err != nil {
			return fmt.Errorf("render %s: %w", cmd.CommandPath(), err)
		}
		buf.WriteString("\n")
		for _, child := range cmd.Commands() {
			if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
				continue
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// anchorLink turns cobra's per-file links into anchors within cli.md.
func anchorLink(name string) string {
	return "#" + strings.ReplaceAll(strings.TrimSuffix(name, ".md"), "_", "-")
}

type configRow struct {
	key, typ, env, def string
}

func renderConfigReference() string {
	var rows []configRow
	collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", "", &rows)
	slices.SortFunc(rows, func(a, b configRow) int { return strings.Compare(a.key, b.key) })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys are shown as they appear in the JSON/YAML file. Environment variables override the file.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r.key, r.typ, orDash(r.env), orDash(escapePipes(r.def)))
	}
	return b.String()
}

var durationType = reflect.TypeOf(config.Duration(0))

// collectConfigRows walks the default config, following envPrefix tags on
// nested sections.
func collectConfigRows(v reflect.Value, prefix, envPrefix string, rows *[]configRow) {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			collectConfigRows(v.Field(i), key, envPrefix+f.Tag.Get("envPrefix"), rows)
			continue
		}
		env := f.Tag.Get("env")
		if env != "" {
			env = envPrefix + env
		}
		*rows = append(*rows, configRow{key: key, typ: typeName(f.Type), env: env, def: defaultValue(v.Field(i))})
	}
}

func typeName(t reflect.Type) string {
	switch {
	case t == durationType:
		return "duration"
	case t.Kind() == reflect.Slice:
		return "list of " + typeName(t.Elem())
	}
	return t.Kind().String()
}

func defaultValue(v reflect.Value) string {
	switch {
	case v.Type() == durationType:
		return v.Interface().(config.Duration).Std().String()
	case v.Kind() == reflect.Slice:
		parts := make([]string, v.Len())
		for i := range v.Len() {
			parts[i] = fmt.Sprint(v.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	case v.IsZero():
		return ""
	}
	return fmt.Sprint(v.Interface())
}

func renderJobsReference() string {
	defaults := config.DefaultConfig().Jobs
	rows := []struct {
		id      string
		job     config.JobConfig
		summary string
	}{
		{daemon.JobIndexSync, defaults.IndexSync, "Applies pending outbox entries to every configured index target."},
		{daemon.JobRollup, defaults.Rollup, "Builds day, week, month and year TOC nodes from recent segments."},
		{daemon.JobCompaction, defaults.Compaction, "Compacts the primary store to reclaim space from deleted keys."},
		{daemon.JobVectorPrune, defaults.VectorPrune, "Removes expired segment, day, week, grip and event vectors."},
		{daemon.JobSearchPrune, defaults.SearchPrune, "Removes expired documents from the keyword index."},
	}

	var b strings.Builder
	b.WriteString("# Job Reference\n\n")
	b.WriteString("Cron expressions take 5 fields, or 6 with seconds first.\n\n")
	b.WriteString("| Job | Enabled | Cron | Overlap | Jitter | Description |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | %t | `%s` | %s | %s | %s |\n",
			r.id, r.job.Enabled, r.job.Cron, orDash(r.job.Overlap), r.job.Jitter.Std(), r.summary)
	}
	b.WriteString("\nLevels `segment`, `day` and `week` expire; `month` and `year` are never pruned.\n")
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
