package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medtrack/medtrack/internal/config"
	"github.com/medtrack/medtrack/internal/domain/medication"
	"github.com/medtrack/medtrack/internal/platform/db"
	"github.com/medtrack/medtrack/internal/platform/jobs"
	"github.com/medtrack/medtrack/migrations"
)

var version = "0.1.0"

const dailyResetJob = "daily_reset"

func main() {
	rootCmd := &cobra.Command{
		Use:          "medtrack-server",
		Short:        "Medication scheduling and adherence server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(scheduleDayCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			withArchiver, _ := cmd.Flags().GetBool("archiver")
			return runServer(withArchiver)
		},
	}
	cmd.Flags().Bool("archiver", false, "Also run the daily reset sweep on ARCHIVE_CRON")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Daily reset: archive finished days and schedule the next one",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily reset once",
		Long: "Without --patient, resets the previous local day and schedules the current one " +
			"for every patient. With --patient, archives a single patient day.",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			date, _ := cmd.Flags().GetString("date")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runner := jobs.NewRunner(a.log, jobs.WithObserver(a.telemetry))

			if patient == "" {
				if date != "" || dryRun {
					return fmt.Errorf("--date and --dry-run require --patient")
				}
				return runner.RunOnce(dailyResetJob, a.sweep)
			}

			patientID, err := uuid.Parse(patient)
			if err != nil {
				return fmt.Errorf("invalid --patient: %w", err)
			}
			if date == "" {
				return fmt.Errorf("--date is required with --patient")
			}
			return runner.RunOnce(dailyResetJob, func(ctx context.Context) error {
				res, err := a.svc.RunDailyReset(ctx, patientID, date, dryRun)
				if err != nil {
					return err
				}
				printArchiveResult(res)
				return nil
			})
		},
	}
	runCmd.Flags().String("patient", "", "Patient id (UUID)")
	runCmd.Flags().String("date", "", "Patient-local date to archive (YYYY-MM-DD)")
	runCmd.Flags().Bool("dry-run", false, "Report what would be archived without writing")
	cmd.AddCommand(runCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run the daily reset sweep on ARCHIVE_CRON until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.archiver()
			if err != nil {
				return err
			}
			runner.Start()
			if next, ok := runner.Next(dailyResetJob); ok {
				a.log.Info().Time("next_run", next).Msg("archive daemon started")
			}

			waitForSignal()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := runner.Stop(ctx); err != nil {
				a.log.Warn().Err(err).Msg("job runner did not stop in time")
			}
			a.svc.Wait()
			return nil
		},
	})

	return cmd
}

func scheduleDayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-day",
		Short: "Write scheduled dose events for one patient-local day",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			date, _ := cmd.Flags().GetString("date")

			patientID, err := uuid.Parse(patient)
			if err != nil {
				return fmt.Errorf("invalid --patient: %w", err)
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.svc.ScheduleDay(cmd.Context(), patientID, date)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %d dose(s) for %s on %s.\n", n, patientID, date)
			return nil
		},
	}
	cmd.Flags().String("patient", "", "Patient id (UUID)")
	cmd.Flags().String("date", "", "Patient-local date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func printArchiveResult(res *medication.ArchiveResult) {
	switch {
	case res.AlreadyDone:
		fmt.Printf("%s %s already archived.\n", res.PatientID, res.Date)
		return
	case res.DryRun:
		fmt.Printf("Dry run: would archive %d event(s) for %s on %s.\n", res.EventsArchived, res.PatientID, res.Date)
	default:
		fmt.Printf("Archived %d event(s) for %s on %s.\n", res.EventsArchived, res.PatientID, res.Date)
	}
	if s := res.Summary; s != nil {
		fmt.Printf("scheduled=%d taken=%d missed=%d skipped=%d adherence=%.2f\n",
			s.Scheduled, s.Taken, s.Missed, s.Skipped, s.AdherenceRate)
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)
}
