package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"TrancheLedger/internal/config"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
	"TrancheLedger/internal/projection"
	"TrancheLedger/migrations"
)

var logger = observability.NewLogger("migrate")

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config pool.toml] <up|down|status|rebuild-projections>")
	fmt.Fprintln(os.Stderr, "  up                  - apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down                - roll back the last migration")
	fmt.Fprintln(os.Stderr, "  status              - list migrations and whether they are applied")
	fmt.Fprintln(os.Stderr, "  rebuild-projections - rebuild read models from the event log (needs [pool])")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  TRANCHE_DATABASE_URL - postgres:// URL or sqlite file path")
	fmt.Fprintln(os.Stderr, "  TRANCHE_CONFIG       - path to the pool TOML")
}

func main() {
	configPath := flag.String("config", "", "path to pool TOML")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	if err := run(context.Background(), flag.Arg(0), *configPath); err != nil {
		logger.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("migrate failed")
	}
}

func run(ctx context.Context, command, configPath string) error {
	// Only rebuild needs the pool section; the rest run without a file.
	load := config.LoadOptional
	if command == "rebuild-projections" {
		load = config.Load
	}
	cfg, err := load(configPath)
	if err != nil {
		return err
	}

	db, err := persistence.Open(ctx, cfg.Service.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	migrator := persistence.NewMigrator(db, migrations.FS)

	switch command {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")

	case "down":
		rolled, err := migrator.Down(ctx)
		if err != nil {
			return err
		}
		if !rolled {
			logger.Info().Msg("nothing to roll back")
		}

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
		for _, st := range statuses {
			applied := "pending"
			if st.Applied {
				applied = st.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", st.Version, st.Filename, applied)
		}
		return w.Flush()

	case "rebuild-projections":
		if _, err := migrator.Up(ctx); err != nil {
			return err
		}
		wm, err := projection.Rebuild(ctx, db, cfg.Pool)
		if err != nil {
			return err
		}
		logger.Info().Int64("watermark", wm).Msg("projections rebuilt")

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
