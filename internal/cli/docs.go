package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ragkb/internal/domain"
)

var docsJSON bool

var docsCmd = &cobra.Command{
	Use:   "docs [document-uuid]",
	Short: "List the tenant's documents, or the versions of one document",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDocs,
}

func init() {
	rootCmd.AddCommand(docsCmd)
	docsCmd.Flags().BoolVar(&docsJSON, "json", false, "output as JSON")
}

func runDocs(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	if len(args) == 1 {
		versions, err := a.Store.ListVersions(ctx, t, args[0])
		if err != nil {
			return err
		}
		if docsJSON {
			return printJSON(versions)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tREF\tSTATUS\tUPLOADED\tEFFECTIVE\tSOURCE")
		for _, v := range versions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				v.VersionLabel, v.Ref, v.ParseStatus, v.UploadedAt.Format(time.RFC3339), formatDate(v.EffectiveDate), v.SourceURI)
		}
		return w.Flush()
	}

	docs, err := a.Store.ListDocuments(ctx, t)
	if err != nil {
		return err
	}
	if docsJSON {
		return printJSON(docs)
	}
	if len(docs) == 0 {
		fmt.Println("No documents.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOCUMENT\tTITLE\tTYPE\tLATEST")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.UUID, d.Title, d.MimeType, latestOrDash(d))
	}
	return w.Flush()
}

func latestOrDash(d domain.Document) string {
	if d.LatestVersionRef == "" {
		return "-"
	}
	return string(d.LatestVersionRef)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}
