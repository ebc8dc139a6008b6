package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/spf13/cobra"

	"github.com/inferlab/dispatchd/internal/config"
	internal_http "github.com/inferlab/dispatchd/internal/http"
	"github.com/inferlab/dispatchd/internal/log"
	internal_queue "github.com/inferlab/dispatchd/internal/queue"
	internal_storage "github.com/inferlab/dispatchd/internal/storage"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch server",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			q := initQueue(cfg.RedisURL)
			defer q.Close()

			svc := service.NewServices(store, q, cfg.DefaultRetry, cfg.StaleAfter, log.GetLogger())
			sweeper := service.NewSweeper(store, q, svc.Results, cfg.SweepInterval, cfg.StaleAfter, log.GetLogger())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sweeper.Start(ctx)
			defer sweeper.Stop()

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- internal_http.StartServer(cfg.Port, svc, cfg.PollTimeout)
			}()
			select {
			case <-ctx.Done():
				log.GetLogger().Infof("Shutdown signal received")
			case err := <-serverErr:
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}

	submitCmd := &cobra.Command{
		Use:   "submit [task_type] [data]",
		Short: "Submit a task directly against the store and queue",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			q := initQueue(cfg.RedisURL)
			defer q.Close()

			data := types.JSONText("{}")
			if len(args) == 2 {
				data = types.JSONText(args[1])
			}
			var retryOverride *int
			if cmd.Flags().Changed("retry") {
				retry, _ := cmd.Flags().GetInt("retry")
				retryOverride = &retry
			}
			svc := service.NewTaskService(store, q, cfg.DefaultRetry, log.GetLogger())
			id, err := svc.Submit(cmd.Context(), args[0], data, retryOverride)
			if err != nil {
				log.GetLogger().Errorf("Failed to submit task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to submit task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Submitted task '%s' with ID %s\n", args[0], id)
		},
	}
	submitCmd.Flags().Int("retry", models.DefaultRetryBudget, "Retry budget for this task")

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks by status",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()

			status, _ := cmd.Flags().GetString("status")
			tasks, err := store.ListTasksByStatus(models.TaskStatus(status))
			if err != nil {
				log.GetLogger().Errorf("Failed to list tasks: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
				os.Exit(1)
			}
			if len(tasks) == 0 {
				fmt.Fprintf(os.Stdout, "No %s tasks found.\n", status)
				return
			}
			fmt.Fprintf(os.Stdout, "Tasks:\n")
			for _, task := range tasks {
				fmt.Fprintf(os.Stdout, "- ID: %s, Type: %s, Status: %s, Retries left: %d, Worker: %s, Updated: %s\n",
					task.ID, task.TaskType, task.Status, task.RetryTime, task.AssignedWorker, task.UpdatedAt.Format(time.RFC3339))
			}
		},
	}
	tasksCmd.Flags().String("status", string(models.PendingTaskStatus), "Task status to list")

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers and their liveness",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()

			svc := service.NewWorkerService(store, cfg.StaleAfter, log.GetLogger())
			workers, err := svc.ListWorkers()
			if err != nil {
				log.GetLogger().Errorf("Failed to list workers: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list workers: %v\n", err)
				os.Exit(1)
			}
			if len(workers) == 0 {
				fmt.Fprintf(os.Stdout, "No workers registered.\n")
				return
			}
			now := time.Now()
			fmt.Fprintf(os.Stdout, "Workers:\n")
			for _, w := range workers {
				state := "stale"
				if svc.IsLive(w, now) {
					state = "live"
				}
				fmt.Fprintf(os.Stdout, "- ID: %s, Platform: %s, CPUs: %d, Last seen: %s (%s)\n",
					w.ID, w.Platform, w.CPUCount, w.UpdatedAt.Format(time.RFC3339), state)
			}
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single reclamation pass over stale tasks",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg.DatabaseURL)
			defer store.Close()
			q := initQueue(cfg.RedisURL)
			defer q.Close()

			results := service.NewResultService(store, q, log.GetLogger())
			sweeper := service.NewSweeper(store, q, results, cfg.SweepInterval, cfg.StaleAfter, log.GetLogger())
			reclaimed, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				log.GetLogger().Errorf("Sweep failed: %v", err)
				fmt.Fprintf(os.Stderr, "Error: sweep failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Reclaimed %d stale task(s)\n", reclaimed)
		},
	}

	for _, cmd := range []*cobra.Command{serveCmd, submitCmd, tasksCmd, workersCmd, sweepCmd} {
		cmd.Flags().String("db", "", "Database connection string (overrides DATABASE_URL)")
		cmd.Flags().String("redis", "", "Redis connection string (overrides REDIS_URL)")
	}
	rootCmd.AddCommand(serveCmd, submitCmd, tasksCmd, workersCmd, sweepCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg := config.Load()
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DatabaseURL = db
	}
	if redisURL, _ := cmd.Flags().GetString("redis"); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	return cfg
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func initQueue(redisURL string) *internal_queue.RedisQueue {
	q, err := internal_queue.NewRedisQueue(redisURL)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize queue: %v", err)
		os.Exit(1)
	}
	return q
}
