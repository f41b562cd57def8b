package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/ui"
)

const (
	formatJSONL = "jsonl"
	formatYAML  = "yaml"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Write the local collection to a file",
	Long: `Write every local record, sync metadata included, to a file or stdout.

The format follows the file extension (.yaml/.yml or .jsonl) unless
--format is given.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		format, _ := cmd.Flags().GetString("format")
		format = detectFormat(path, format)

		eng := openEngine(cmd)
		todos, err := eng.Local().ExportAll(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}

		var buf bytes.Buffer
		if err := encodeTodos(&buf, todos, format); err != nil {
			fatal("%v", err)
		}
		if path == "" {
			_, _ = os.Stdout.Write(buf.Bytes())
			return
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			fatal("failed to write %s: %v", path, err)
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d todos to %s\n", ui.RenderPass("✓"), len(todos), path)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Load records from a file into the local store",
	Long: `Load records from a JSONL or YAML export into the local store.

Records keep their ids. With --replace the local collection is replaced,
otherwise records are merged by id. Imported records reach the remote on
the next 'todosync migrate to-cloud' or 'todosync sync --reconcile'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		format = detectFormat(args[0], format)

		f, err := os.Open(args[0])
		if err != nil {
			fatal("%v", err)
		}
		todos, err := decodeTodos(f, format)
		_ = f.Close()
		if err != nil {
			fatal("failed to read %s: %v", args[0], err)
		}

		replace, _ := cmd.Flags().GetBool("replace")
		eng := openEngine(cmd)
		result, err := eng.Local().ImportAll(cmd.Context(), todos, replace)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Imported %d of %d todos\n", ui.RenderPass("✓"), len(result.Succeeded), len(todos))
		for _, f := range result.Failed {
			fmt.Printf("   %s %s: %v\n", ui.RenderFail("error:"), f.ID, f.Err)
		}
	},
}

var clearLocalCmd = &cobra.Command{
	Use:     "clear-local",
	GroupID: "maint",
	Short:   "Delete every local record and the pending queue",
	Long: `Delete every local record, every queued operation and the open conflict
set. The remote is not touched. Settings are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !ui.IsInteractive() {
				fatal("refusing to clear without --yes")
			}
			confirmed := false
			err := huh.NewConfirm().
				Title("Delete all local todos and queued changes?").
				Description("Anything not yet on the remote is lost.").
				Affirmative("Delete").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatal("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		eng := openEngine(cmd)
		if err := eng.ClearLocalData(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Local data cleared\n", ui.RenderPass("✓"))
	},
}

func detectFormat(path, flag string) string {
	if flag != "" {
		return flag
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSONL
	}
}

func encodeTodos(w io.Writer, todos []schema.Todo, format string) error {
	switch format {
	case formatJSONL:
		return migrate.EncodeJSONL(w, todos)
	case formatYAML:
		docs, err := toDocuments(todos)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (jsonl or yaml)", format)
}

func decodeTodos(r io.Reader, format string) ([]schema.Todo, error) {
	switch format {
	case formatJSONL:
		return migrate.DecodeJSONL(r)
	case formatYAML:
		var docs []map[string]any
		if err := yaml.NewDecoder(r).Decode(&docs); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to decode yaml: %w", err)
		}
		return fromDocuments(docs)
	}
	return nil, fmt.Errorf("unknown format %q (jsonl or yaml)", format)
}

// toDocuments goes through JSON so YAML keys match the JSON field names.
func toDocuments(todos []schema.Todo) ([]map[string]any, error) {
	data, err := json.Marshal(todos)
	if err != nil {
		return nil, err
	}
	var docs []map[string]any
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func fromDocuments(docs []map[string]any) ([]schema.Todo, error) {
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert yaml records: %w", err)
	}
	return schema.DecodeTodos(data)
}

func init() {
	exportCmd.Flags().String("format", "", "Output format: jsonl or yaml")
	importCmd.Flags().String("format", "", "Input format: jsonl or yaml")
	importCmd.Flags().Bool("replace", false, "Replace the local collection instead of merging")
	clearLocalCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(exportCmd, importCmd, clearLocalCmd)
}
