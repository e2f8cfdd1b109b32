package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	internal_http "github.com/theshibabasement/maxun/internal/http"
	"github.com/theshibabasement/maxun/internal/log"
	internal_storage "github.com/theshibabasement/maxun/internal/storage"
	"github.com/theshibabasement/maxun/pkg/engine"
	"github.com/theshibabasement/maxun/pkg/integration"
	"github.com/theshibabasement/maxun/pkg/models"
	"github.com/theshibabasement/maxun/pkg/service"
	"github.com/theshibabasement/maxun/pkg/vault"
)

func SetupCLI(rootCmd *cobra.Command) {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all robots",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewRobotService(store, newVault(), log.GetLogger())
			listRobots(svc)
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs [robot-id]",
		Short: "List a robot's runs",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := newRunService(cmd, store)
			listRuns(svc, args[0])
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [robot-id]",
		Short: "Run a robot now and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := newRunService(cmd, store)
			triggerRun(svc, args[0])
		},
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule [robot-id] [config-json]",
		Short: "Attach a recurrence schedule to a robot",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewRobotService(store, newVault(), log.GetLogger())
			setSchedule(svc, args[0], args[1])
		},
	}

	unscheduleCmd := &cobra.Command{
		Use:   "unschedule [robot-id]",
		Short: "Detach a robot's recurrence schedule",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewRobotService(store, newVault(), log.GetLogger())
			if err := svc.ClearSchedule(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to clear schedule: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cleared schedule of robot %s\n", args[0])
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			v := newVault()
			runs := newRunServiceWith(cmd, store, v)
			robots := service.NewRobotService(store, v, log.GetLogger())

			interval, _ := cmd.Flags().GetDuration("scan-interval")
			dispatcher := service.NewDispatcher(store, runs, log.GetLogger(), interval)
			go dispatcher.Run(context.Background())

			port := os.Getenv("PORT")
			if port == "" {
				port = "8080"
			}
			if err := internal_http.StartServer(port, robots, runs); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().Duration("scan-interval", service.DefaultScanInterval, "How often to scan for due schedules")

	for _, cmd := range []*cobra.Command{listCmd, runsCmd, triggerCmd, scheduleCmd, unscheduleCmd, serveCmd} {
		cmd.Flags().String("db", "", "Database connection string (falls back to DB_* env vars)")
		cmd.Flags().String("engine", "", "Interpretation engine websocket URL (falls back to ENGINE_URL)")
		rootCmd.AddCommand(cmd)
	}
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found: %v", err)
	}
	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		dbUsername := os.Getenv("DB_USERNAME")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")
		if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
			fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUsername, dbPassword, dbHost, dbPort, dbName)
	}
	store, err := internal_storage.NewPostgresStore(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to connect to database: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func newVault() *vault.Vault {
	return vault.New(os.Getenv("ENCRYPTION_KEY"), log.GetLogger())
}

func newRunService(cmd *cobra.Command, store *internal_storage.PostgresStore) *service.RunService {
	return newRunServiceWith(cmd, store, newVault())
}

func newRunServiceWith(cmd *cobra.Command, store *internal_storage.PostgresStore, v *vault.Vault) *service.RunService {
	engineURL, _ := cmd.Flags().GetString("engine")
	if engineURL == "" {
		engineURL = os.Getenv("ENGINE_URL")
	}
	if engineURL == "" {
		engineURL = "ws://localhost:9005/sessions"
	}
	launcher := engine.NewRemoteLauncher(engineURL, log.GetLogger())
	pusher := integration.LogPusher{Logger: log.GetLogger()}
	return service.NewRunService(store, launcher, v, pusher, log.GetLogger())
}

func listRobots(svc *service.RobotService) {
	robots, err := svc.ListRobots()
	if err != nil {
		log.GetLogger().Errorf("Failed to list robots: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list robots: %v\n", err)
		os.Exit(1)
	}
	if len(robots) == 0 {
		fmt.Println("No robots found.")
		return
	}
	for _, r := range robots {
		scheduled := "unscheduled"
		if r.Schedule != nil && r.Schedule.NextRunAt != nil {
			scheduled = "next run " + r.Schedule.NextRunAt.Format(time.RFC3339)
		}
		fmt.Printf("- ID: %s, Name: %s, Pairs: %d, %s\n", r.ID, r.Meta.Name, r.Meta.Pairs, scheduled)
	}
}

func listRuns(svc *service.RunService, robotID string) {
	runs, err := svc.ListRuns(robotID)
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return
	}
	for _, run := range runs {
		finished := "-"
		if run.FinishedAt != nil {
			finished = run.FinishedAt.Format(time.RFC3339)
		}
		fmt.Printf("- ID: %s, Status: %s, Trigger: %s, Started: %s, Finished: %s\n",
			run.ID, run.Status, run.TriggeredBy, run.StartedAt.Format(time.RFC3339), finished)
	}
}

// triggerRun starts a run and blocks until it reaches a terminal state; the
// interpretation session lives in this process.
func triggerRun(svc *service.RunService, robotID string) {
	runID, err := svc.Start(context.Background(), robotID, models.UserTrigger)
	if err != nil {
		log.GetLogger().Errorf("Failed to start run: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to start run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Started run %s for robot %s\n", runID, robotID)
	for {
		time.Sleep(time.Second)
		run, err := svc.GetRun(runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to poll run: %v\n", err)
			os.Exit(1)
		}
		if run.Status.Terminal() {
			fmt.Printf("Run %s finished with status %s\n", runID, run.Status)
			if run.Log != "" {
				fmt.Print(run.Log)
			}
			return
		}
	}
}

func setSchedule(svc *service.RobotService, robotID, configJSON string) {
	var cfg models.ScheduleConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid schedule config: %v\n", err)
		os.Exit(1)
	}
	saved, err := svc.SetSchedule(robotID, cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to set schedule: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to set schedule: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Scheduled robot %s, next fire at %s\n", robotID, saved.NextRunAt.Format(time.RFC3339))
}
