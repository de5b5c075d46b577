package cli

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"ragkb/internal/domain"
)

//go:embed templates/*.txt
var promptTemplates embed.FS

var promptCtx string

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Render an answer prompt with [n] citation markers",
	Long: `Render the cited context into a question-answering prompt for an LLM.
The context is either retrieved now (-q) or read from a file written by
'query -o'.

Examples:
  ragkb -t acme prompt -q "How many days of leave do I get?"
  ragkb -t acme prompt --ctx context.json -q "Summarise the leave policy"`,
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)
	addQueryFlags(promptCmd)
	promptCmd.Flags().StringVar(&promptCtx, "ctx", "", "path to a context JSON file written by 'query -o'")
}

func runPrompt(cmd *cobra.Command, args []string) error {
	var (
		res domain.AnswerContext
		err error
	)
	switch {
	case promptCtx != "":
		data, err := os.ReadFile(promptCtx)
		if err != nil {
			return fmt.Errorf("failed to read context file: %w", err)
		}
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to parse context file: %w", err)
		}
		if queryText != "" {
			res.Query = queryText
		}
	case queryText != "":
		res, err = answer(cmd)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("must specify either --query or --ctx")
	}

	return renderPrompt(os.Stdout, res)
}

// renderPrompt writes the answer prompt for res to w.
func renderPrompt(w io.Writer, res domain.AnswerContext) error {
	tmplContent, err := promptTemplates.ReadFile("templates/answer_prompt.txt")
	if err != nil {
		return fmt.Errorf("template not found: %w", err)
	}

	tmpl, err := template.New("prompt").Funcs(templateFuncs()).Parse(string(tmplContent))
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, res); err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"deref": func(p *int) int { return *p },
		"formatBlocks": func(blocks []domain.CitedBlock) string {
			var sb strings.Builder
			for _, b := range blocks {
				sb.WriteString("### " + markers(b.CitationIDs))
				if b.SectionPath != "" {
					sb.WriteString(" " + b.SectionPath)
				}
				sb.WriteString("\n\n")
				sb.WriteString(b.Text)
				sb.WriteString("\n\n")
			}
			return sb.String()
		},
	}
}
