// Command reconcile audits the vector index against the chunk store: every
// vector must be backed by an embedding record of a live chunk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"ragkb/config"
	"ragkb/internal/app"
	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
	"ragkb/internal/usecase"
)

func main() {
	dir := flag.String("dir", ".", "directory holding ragkb.yaml and .env")
	cfgFile := flag.String("config", "", "config file (overrides -dir)")
	tenant := flag.String("tenant", "", "audit one tenant (default all)")
	repair := flag.Bool("repair", false, "delete orphaned vectors")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *cfgFile != "" {
		cfg, err = config.Load(*cfgFile)
	} else {
		cfg, err = config.LoadFromDir(*dir)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reports, err := run(ctx, cfg, log, domain.TenantID(*tenant), *repair)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("VECTOR INDEX RECONCILIATION")
	fmt.Println(strings.Repeat("=", 70))
	dirty := 0
	for _, r := range reports {
		status := "OK"
		if !r.Consistent() {
			status = "ORPHANS"
			if r.Repaired == len(r.Orphans) {
				status = "REPAIRED"
			} else {
				dirty++
			}
		}
		fmt.Printf("%-24s %-9s vectors=%d linked=%d orphans=%d missing=%d repaired=%d\n",
			r.TenantID, status, r.IndexCount, r.Linked, len(r.Orphans), len(r.Missing), r.Repaired)
		for _, id := range r.Orphans {
			fmt.Printf("    orphan %s\n", id)
		}
	}
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Tenants audited: %d\n", len(reports))

	if dirty > 0 {
		fmt.Printf("Tenants with unrepaired orphans: %d (rerun with -repair)\n", dirty)
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, tenant domain.TenantID, repair bool) ([]usecase.AuditReport, error) {
	s, err := app.OpenStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	auditor := usecase.NewAuditor(s.Store, s.Index, log)
	if tenant == "" {
		return auditor.AuditAll(ctx, repair)
	}
	r, err := auditor.Audit(ctx, tenant, repair)
	if err != nil {
		return nil, err
	}
	return []usecase.AuditReport{r}, nil
}
