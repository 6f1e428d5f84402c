package main

import (
	"context"
	"os"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Runs one Site through the full worker lifecycle against a real database:
// register, intake, pull, started, completed, then cleans up.
func main() {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Warn().Err(err).Msg("No .env file loaded, using process environment")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	log.Info().Msg("Testing PostgreSQL connection")

	pgDB, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgDB.Close()

	log.Info().Msg("Successfully connected to PostgreSQL")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	coord := coordinator.New(db.NewDbQueue(pgDB.GetDB()), pgDB, coordinator.DefaultConfig())

	identifier := "pg-test-" + uuid.NewString()[:8]
	worker, err := coord.Register(ctx, coordinator.Registration{
		Identifier: identifier,
		Name:       "pg-test smoke worker",
		Transport:  &coordinator.TransportInfo{Host: "127.0.0.1", Port: 9999, Protocol: "http"},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register worker")
	}
	log.Info().Str("worker", worker.Identifier).Str("status", string(worker.Status)).Msg("Registered worker")

	intake, err := coord.Intake(ctx, coordinator.IntakeRequest{
		URLs:     []string{"https://example.com/pg-test/" + uuid.NewString()},
		TaskType: db.TaskTypeCrawl,
		Priority: string(db.PriorityUrgent),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to submit site")
	}
	item := intake.Items[0]
	if item.SiteID == "" {
		log.Fatal().Str("error", item.Error).Msg("Site was not created")
	}
	siteID := item.SiteID
	log.Info().Str("site_id", siteID).Str("status", string(item.Status)).Str("worker", item.WorkerID).Msg("Submitted site")

	defer func() {
		if err := coord.RemoveSite(context.Background(), siteID); err != nil {
			log.Error().Err(err).Msg("Failed to clean up site")
		}
		if _, err := coord.Release(context.Background(), identifier); err != nil {
			log.Error().Err(err).Msg("Failed to release worker")
		}
	}()

	task, err := coord.PullTask(ctx, db.TaskTypeCrawl, identifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to pull task")
	}
	if task == nil {
		log.Fatal().Msg("No task found, expected the submitted site")
	}
	log.Info().Str("site_id", task.ID).Str("dispatch_id", task.DispatchID).Msg("Pulled task")

	site, err := coord.MarkProcessing(ctx, task.ID, identifier)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to mark site processing")
	}
	log.Info().Str("status", string(site.Status)).Msg("Site processing")

	result, err := coord.Finalize(ctx, coordinator.Report{
		WorkerIdentifier: identifier,
		SiteID:           task.ID,
		TaskType:         db.TaskTypeCrawl,
		Outcome:          coordinator.OutcomeCompletedSuccessfully,
		Message:          "pg-test",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to finalise site")
	}
	if !result.Applied {
		log.Fatal().Str("reason", result.Reason).Msg("Completion report was not applied")
	}
	log.Info().Str("status", string(result.Site.Status)).Msg("Site finalised")

	// A repeated report must be a no-op
	again, err := coord.Finalize(ctx, coordinator.Report{
		WorkerIdentifier: identifier,
		SiteID:           task.ID,
		TaskType:         db.TaskTypeCrawl,
		Outcome:          coordinator.OutcomeCompletedSuccessfully,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Duplicate report failed")
	}
	if again.Applied {
		log.Fatal().Msg("Duplicate report was applied twice")
	}

	log.Info().Msg("Test completed successfully!")
}
