// Command e2e smoke-tests the whole pipeline against a throwaway state
// directory: ingest fixtures, run a folder import, then print search and
// entity results as JSON. Without provider configuration it runs entirely
// offline on rule-based extraction; set INGESTOR_AI_* variables to point it
// at a live model.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bbiangul/ingestor"
	"github.com/bbiangul/ingestor/processor"
	"github.com/bbiangul/ingestor/search"
	"github.com/bbiangul/ingestor/store"
)

const pressRelease = `Acme Corp announced on 2024-03-15 that Jane Porter
will lead its robotics division. Porter joins from Globex Inc, where she
reported to Tom Sawyer. Globex Inc confirmed the transition on 03/20/2024.`

const meetingNotes = `On 2025-02-11 the board of Initech LLC approved the
merger with Hooli Inc. Richard Hendricks raised concerns; Jane Porter of
Acme Corp attended as an observer.`

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	tmpDir, err := os.MkdirTemp("", "ingestor-e2e-*")
	if err != nil {
		fatal("creating temp dir", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := ingestor.DefaultConfig()
	cfg.Storage.Dir = filepath.Join(tmpDir, "state")
	cfg.AI.Provider = "" // rules only unless the environment says otherwise
	if err := cfg.ApplyEnv(); err != nil {
		fatal("applying environment", err)
	}

	engine, err := ingestor.New(cfg)
	if err != nil {
		fatal("creating engine", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Inline ingest.
	fmt.Fprintln(os.Stderr, "\n=== INGESTING INLINE TEXT ===")
	res, err := engine.ProcessContent(ctx, processor.Request{
		Data:        []byte(pressRelease),
		ContentType: "text/plain",
		Title:       "Acme press release",
		Source:      "e2e:press-release",
	})
	if err != nil {
		fatal("ingesting press release", err)
	}
	fmt.Fprintf(os.Stderr, "content_id=%d chunks=%d entities=%d\n",
		res.ContentID, res.Chunks, len(res.EntityIDs))

	// Folder import through the job runner.
	fixtures := filepath.Join(tmpDir, "fixtures")
	if err := os.MkdirAll(fixtures, 0o755); err != nil {
		fatal("creating fixtures dir", err)
	}
	if err := os.WriteFile(filepath.Join(fixtures, "notes.txt"), []byte(meetingNotes), 0o644); err != nil {
		fatal("writing fixture", err)
	}

	fmt.Fprintln(os.Stderr, "\n=== FOLDER IMPORT JOB ===")
	job, err := engine.RunJob(ctx, "folder-import", ingestor.JobOptions{
		Folder:    fixtures,
		Recursive: true,
		CreatedBy: "e2e",
	})
	if err != nil {
		fatal("running folder import", err)
	}
	fmt.Fprintf(os.Stderr, "job=%s status=%s completed=%d failed=%d\n",
		job.ID, job.Status, job.Progress.Completed, job.Progress.Failed)

	// Search.
	fmt.Fprintln(os.Stderr, "\n=== SEARCH: \"robotics\" ===")
	hits, err := engine.SearchContent(ctx, "robotics", search.Options{Limit: 10})
	if err != nil {
		fatal("searching", err)
	}
	printJSON(map[string]any{"query": "robotics", "results": hits})

	// Entities.
	fmt.Fprintln(os.Stderr, "\n=== ENTITIES ===")
	entities, err := engine.ListEntities(ctx, store.EntityFilter{Limit: 20})
	if err != nil {
		fatal("listing entities", err)
	}
	printJSON(map[string]any{"entities": entities})

	if len(entities) > 0 {
		first := entities[0]
		fmt.Fprintf(os.Stderr, "\n=== RELATED TO %q ===\n", first.Name)
		related, err := engine.GetRelatedEntities(ctx, first.ID, "", 0)
		if err != nil {
			fatal("loading related entities", err)
		}
		printJSON(map[string]any{"entity": first.Name, "related": related})
	}

	fmt.Fprintln(os.Stderr, "\n=== STATS ===")
	stats, err := engine.Stats(ctx)
	if err != nil {
		fatal("loading stats", err)
	}
	printJSON(stats)
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
