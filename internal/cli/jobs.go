package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ragkb/internal/domain"
)

var (
	statusJSON  bool
	rechunkAll  bool
	rechunkJSON bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted or failed ingestion job",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show ingestion job status",
	Long: `Show one job with its phase log, or list every job of the tenant.

Examples:
  ragkb -t acme status
  ragkb -t acme status 3b0f... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var rechunkCmd = &cobra.Command{
	Use:   "rechunk [version-ref]",
	Short: "Re-chunk and re-embed versions with the current chunking strategy",
	Long: `Re-run chunk and embed for one ok version, or with --all for every ok
version of the tenant. Readers keep the previous chunk set until the new one
is committed. After --all the current configuration is recorded as the
reference for drift detection.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRechunk,
}

func init() {
	rootCmd.AddCommand(resumeCmd, statusCmd, rechunkCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rechunkCmd.Flags().BoolVar(&rechunkAll, "all", false, "re-chunk every ok version of the tenant")
	rechunkCmd.Flags().BoolVar(&rechunkJSON, "json", false, "output as JSON")
}

func runResume(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Coordinator.Resume(cmd.Context(), t, args[0])
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	printIngestResult(res)
	if res.Failed() {
		return fmt.Errorf("job %s failed in %s", res.JobID, res.Phase)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		job, err := a.Coordinator.Status(cmd.Context(), t, args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(job)
		}
		fmt.Printf("Job:      %s\n", job.ID)
		fmt.Printf("Version:  %s\n", job.VersionRef)
		fmt.Printf("Phase:    %s\n", job.Phase)
		fmt.Printf("Retries:  %d / %d\n", job.Retries, a.Config.Ingestion.MaxJobRetries)
		if job.LastError != "" {
			fmt.Printf("Error:    %s (in %s)\n", job.LastError, job.FailedPhase)
		}
		fmt.Println("\nLog:")
		for _, e := range job.Log {
			fmt.Printf("  %s  %-8s  %s\n", e.At.Format(time.RFC3339), e.Phase, e.Message)
		}
		return nil
	}

	jobs, err := a.Store.ListJobs(cmd.Context(), t)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tPHASE\tRETRIES\tUPDATED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Phase, j.Retries, j.UpdatedAt.Format(time.RFC3339), j.LastError)
	}
	return w.Flush()
}

func runRechunk(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	if rechunkAll == (len(args) == 1) {
		return fmt.Errorf("pass either a version ref or --all")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	refs := []domain.VersionRef{domain.VersionRef(firstArg(args))}
	if rechunkAll {
		refs = refs[:0]
		docs, err := a.Store.ListDocuments(ctx, t)
		if err != nil {
			return err
		}
		for _, d := range docs {
			versions, err := a.Store.ListVersions(ctx, t, d.UUID)
			if err != nil {
				return err
			}
			for _, v := range versions {
				if v.ParseStatus == domain.ParseOK {
					refs = append(refs, v.Ref)
				}
			}
		}
	}

	failed := 0
	for _, ref := range refs {
		res, err := a.Coordinator.Rechunk(ctx, t, ref)
		if err != nil {
			return fmt.Errorf("rechunk %s: %w", ref, err)
		}
		if res.Failed() {
			failed++
		}
		if rechunkJSON {
			if err := printJSON(res); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s  %-8s  %d chunks  %s\n", ref, res.Phase, res.ChunkCount, res.LastError)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d versions failed to re-chunk", failed, len(refs))
	}
	if rechunkAll {
		return a.RecordConfig()
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
