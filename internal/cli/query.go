package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ragkb/internal/domain"
	"ragkb/internal/usecase"
)

var (
	queryText      string
	queryDocs      []string
	queryPolicy    string
	queryAsOf      string
	queryMaxTokens int
	queryJSON      bool
	queryOutput    string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Retrieve a token-budgeted, cited context for a question",
	Long: `Run hybrid (vector + BM25) retrieval over the tenant's documents, fuse and
rerank the candidates, fit them into the context budget and bind citations.

Examples:
  ragkb -t acme query -q "annual leave"
  ragkb -t acme query -q "expenses" --policy as_of_date --as-of 2024-06-30
  ragkb -t acme query -q "parking" --doc 7f6c... --max-tokens 1024 -o context.json`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	addQueryFlags(queryCmd)
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "", "write the JSON context to a file")
	queryCmd.MarkFlagRequired("query")
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&queryText, "query", "q", "", "query text")
	cmd.Flags().StringSliceVar(&queryDocs, "doc", nil, "restrict to these document uuids (repeatable)")
	cmd.Flags().StringVar(&queryPolicy, "policy", string(domain.PolicyLatest), "version policy: latest, as_of_date, all_versions")
	cmd.Flags().StringVar(&queryAsOf, "as-of", "", "date YYYY-MM-DD for the as_of_date policy")
	cmd.Flags().IntVarP(&queryMaxTokens, "max-tokens", "b", 0, "context budget in tokens (default from config)")
}

// answer runs the query described by the query flags.
func answer(cmd *cobra.Command) (domain.AnswerContext, error) {
	t, err := tenant()
	if err != nil {
		return domain.AnswerContext{}, err
	}
	policy, err := domain.ParseVersionPolicy(queryPolicy)
	if err != nil {
		return domain.AnswerContext{}, err
	}
	asOf, err := parseDate(queryAsOf)
	if err != nil {
		return domain.AnswerContext{}, fmt.Errorf("--as-of: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return domain.AnswerContext{}, err
	}
	defer a.Close()

	res, err := a.Query.Query(cmd.Context(), usecase.QueryRequest{
		TenantID:         t,
		Query:            queryText,
		DocumentUUIDs:    queryDocs,
		Policy:           policy,
		AsOf:             asOf,
		MaxContextTokens: queryMaxTokens,
	})
	if err != nil {
		return domain.AnswerContext{}, fmt.Errorf("query failed: %w", err)
	}
	return res, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	res, err := answer(cmd)
	if err != nil {
		return err
	}

	if queryOutput != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		if err := os.WriteFile(queryOutput, data, 0644); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Printf("Context written to: %s\n", queryOutput)
		fmt.Printf("  Citations: %d\n", len(res.Citations))
		fmt.Printf("  Tokens:    %d / %d\n", res.UsedTokens, res.BudgetTokens)
		return nil
	}
	if queryJSON {
		return printJSON(res)
	}

	if len(res.Blocks) == 0 {
		fmt.Println("No results found.")
		printWarnings(res)
		return nil
	}
	fmt.Printf("Context for: %s (%d / %d tokens)\n\n", res.Query, res.UsedTokens, res.BudgetTokens)
	for _, b := range res.Blocks {
		fmt.Printf("--- %s %s ---\n", markers(b.CitationIDs), b.SectionPath)
		fmt.Println(b.Text)
		fmt.Println()
	}
	fmt.Println("Sources:")
	for _, c := range res.Citations {
		fmt.Printf("  [%d] %s (version %s) %s\n", c.CitationID, c.DocumentTitle, c.VersionLabel, c.SourceURI)
	}
	printWarnings(res)
	return nil
}

func printWarnings(res domain.AnswerContext) {
	if res.Complete() && len(res.Warnings) == 0 {
		return
	}
	fmt.Println()
	if res.BudgetExceeded {
		fmt.Println("Context is incomplete: budget exceeded.")
	}
	if res.Degraded {
		fmt.Printf("Context is degraded: timed out channels %v.\n", res.TimedOut)
	}
	for _, w := range res.Warnings {
		fmt.Printf("  - %s\n", w)
	}
}

func markers(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("[%d]", id)
	}
	return strings.Join(parts, "")
}
