package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/sentinell/internal/output"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/store"
)

var indexPrintOnly bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the retrieval index",
	Long: `Manage the Weaviate class that holds commits, log lines and chat messages
used as incident context. Requires weaviate.host to be set.`,
}

var indexSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the index class if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		return indexSchemaRun()
	},
}

var indexLoadCmd = &cobra.Command{
	Use:   "load <file.jsonl|->",
	Short: "Load documents from a JSON Lines file",
	Long: `Load documents into the index, one JSON object per line:

  {"namespace":"logs","repo_id":"...","source_type":"log","source_id":"api.log",
   "text":"ERROR db timeout","timestamp":"2026-03-04T12:00:00Z","vector":[0.1, ...]}

Documents without a "vector" are embedded with openai.embedding_model.
Documents without an "id" are given one. Use "-" to read standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return indexLoadRun(args[0])
	},
}

func init() {
	indexSchemaCmd.Flags().BoolVar(&indexPrintOnly, "print", false, "Print the class definition without contacting Weaviate")

	indexCmd.AddCommand(indexSchemaCmd)
	indexCmd.AddCommand(indexLoadCmd)
	rootCmd.AddCommand(indexCmd)
}

func indexSchemaRun() error {
	index, err := requireWeaviate()
	if err != nil {
		if !indexPrintOnly {
			return err
		}
		// Printing only needs a class name.
		index, err = retrieval.NewWeaviateIndex(retrieval.WeaviateConfig{
			Host:  "localhost:8080",
			Class: viper.GetString("weaviate.class"),
		})
		if err != nil {
			return err
		}
	}

	if indexPrintOnly {
		return printJSON(index.ClassSchema())
	}
	if dryRun {
		ui.DryRunMsg("Would ensure class %s exists", index.Class())
		return nil
	}

	created, err := index.EnsureSchema(context.Background())
	if err != nil {
		return err
	}
	if created {
		ui.Success("Created class %s", output.Cyan(index.Class()))
	} else {
		ui.Info("Class %s already exists", output.Cyan(index.Class()))
	}
	return nil
}

// loadRecord is one JSONL line: a document plus an optional precomputed vector.
type loadRecord struct {
	retrieval.Document
	Vector []float32 `json:"vector,omitempty"`
}

func indexLoadRun(path string) error {
	index, err := requireWeaviate()
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	records, err := parseDocuments(r)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		ui.Info("No documents to load.")
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would load %d document(s) into %s", len(records), index.Class())
		return nil
	}

	logger := commandLogger()
	retriever, err := newRetriever(logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	loaded, failed := 0, 0
	for _, rec := range records {
		if len(rec.Vector) > 0 {
			err = index.Upsert(ctx, rec.Document, rec.Vector)
		} else {
			err = retriever.Add(ctx, rec.Document)
		}
		if err != nil {
			failed++
			ui.Warning("Failed to load %s: %v", rec.ID, err)
			continue
		}
		loaded++
		ui.VerboseLog("Loaded %s (%s)", rec.ID, rec.Namespace)
	}

	ui.Success("Loaded %d of %d document(s) into %s", loaded, len(records), output.Cyan(index.Class()))
	if failed > 0 {
		return fmt.Errorf("%d document(s) failed to load", failed)
	}
	return nil
}

// parseDocuments reads JSON Lines, skipping blank lines and # comments. Every
// record must carry a namespace and text; missing IDs are generated.
func parseDocuments(r io.Reader) ([]loadRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []loadRecord
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec loadRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if rec.Namespace == "" || strings.TrimSpace(rec.Text) == "" {
			return nil, fmt.Errorf("line %d: namespace and text are required", lineNo)
		}
		if rec.ID == "" {
			rec.ID = store.NewID()
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return records, nil
}

func requireWeaviate() (*retrieval.WeaviateIndex, error) {
	index, err := newWeaviateIndex()
	if err != nil {
		return nil, err
	}
	if index == nil {
		return nil, fmt.Errorf("weaviate.host is not set (run 'sentinell config edit' or set SENTINELL_WEAVIATE_HOST)")
	}
	return index, nil
}
