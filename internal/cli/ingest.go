package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"ragkb/internal/app"
	"ragkb/internal/domain"
	"ragkb/internal/usecase"
)

var (
	ingestDoc       string
	ingestTitle     string
	ingestLabel     string
	ingestEffective string
	ingestJSON      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir>",
	Short: "Ingest a document or a directory of documents",
	Long: `Ingest a single file as a new document (or as a new version of --doc), or
every matching file below a directory. Directory ingestion is idempotent: a
file whose bytes did not change resolves to its existing version.

Examples:
  ragkb -t acme ingest handbook.md
  ragkb -t acme ingest handbook.md --doc 7f6c... --label 2025 --effective 2025-01-01
  ragkb -t acme ingest ./policies`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestDoc, "doc", "", "existing document uuid to add a version to")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default from content or filename)")
	ingestCmd.Flags().StringVar(&ingestLabel, "label", "", "version label (default next integer)")
	ingestCmd.Flags().StringVar(&ingestEffective, "effective", "", "effective date YYYY-MM-DD")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output as JSON")
}

func runIngest(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if info.IsDir() {
		return ingestDir(cmd, a, t, path)
	}
	return ingestFile(cmd, a, t, path)
}

func ingestFile(cmd *cobra.Command, a *app.App, t domain.TenantID, path string) error {
	effective, err := parseDate(ingestEffective)
	if err != nil {
		return fmt.Errorf("--effective: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := a.Coordinator.Ingest(cmd.Context(), usecase.IngestRequest{
		TenantID:      t,
		DocumentUUID:  ingestDoc,
		Filename:      filepath.Base(path),
		Title:         ingestTitle,
		VersionLabel:  ingestLabel,
		EffectiveDate: effective,
		Body:          f,
	})
	if err != nil {
		return fmt.Errorf("ingest rejected: %w", err)
	}
	if ingestJSON {
		return printJSON(res)
	}
	printIngestResult(res)
	if res.Failed() {
		return fmt.Errorf("job %s failed in %s", res.JobID, res.Phase)
	}
	return nil
}

func printIngestResult(res usecase.IngestResult) {
	fmt.Printf("Job:       %s\n", res.JobID)
	fmt.Printf("Document:  %s\n", res.DocumentUUID)
	fmt.Printf("Version:   %s\n", res.VersionRef)
	fmt.Printf("Phase:     %s\n", res.Phase)
	fmt.Printf("Chunks:    %d\n", res.ChunkCount)
	if res.Duplicate {
		fmt.Println("Duplicate: identical bytes already stored, existing version returned")
	}
	if res.Failed() {
		fmt.Printf("Retries:   %d\n", res.Retries)
		fmt.Printf("Error:     %s\n", res.LastError)
		fmt.Printf("\nResume with: ragkb -t %s resume %s\n", res.TenantID, res.JobID)
	}
}

func ingestDir(cmd *cobra.Command, a *app.App, t domain.TenantID, path string) error {
	fmt.Printf("Scanning %s...\n", path)

	files, err := a.Walker.Walk(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("failed to walk directory: %w", err)
	}
	if len(files) == 0 {
		fmt.Println("No matching files.")
		return nil
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	var (
		barMu     sync.Mutex
		processed int
		startTime = time.Now()
	)
	progress := func(usecase.BatchFile) {
		barMu.Lock()
		defer barMu.Unlock()

		processed++
		_ = bar.Set(processed)

		elapsed := time.Since(startTime)
		rate := float64(processed) / elapsed.Seconds()
		if rate > 0 {
			eta := time.Duration(float64(len(files)-processed)/rate) * time.Second
			bar.Describe(fmt.Sprintf("[cyan]Ingesting[reset] ETA: %s", formatDuration(eta)))
		}
	}

	result, err := a.Coordinator.IngestBatch(cmd.Context(), t, path, a.Walker, progress)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("\nIngestion complete in %s:\n", formatDuration(time.Since(startTime)))
	fmt.Printf("  Files ingested:   %d\n", result.Ingested)
	fmt.Printf("  Files unchanged:  %d\n", result.Duplicates)
	fmt.Printf("  Files failed:     %d\n", result.Failed)

	if result.Failed > 0 {
		fmt.Printf("\nFailures:\n")
		for _, f := range result.Files {
			switch {
			case f.Err != "":
				fmt.Printf("  - %s: %s\n", f.Path, f.Err)
			case f.Result.Failed():
				fmt.Printf("  - %s: job %s: %s\n", f.Path, f.Result.JobID, f.Result.LastError)
			}
		}
	}
	return nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
