package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/spf13/cobra"

	"github.com/inferlab/dispatchd/internal/log"
	"github.com/inferlab/dispatchd/pkg/client"
	"github.com/inferlab/dispatchd/pkg/models"
	"github.com/inferlab/dispatchd/pkg/worker"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd-worker",
	Short: "Reference worker that polls dispatchd for tasks",
	Run:   runWorker,
}

func main() {
	rootCmd.Flags().String("api", "http://localhost:8989", "Base URL of the dispatchd API")
	rootCmd.Flags().String("id", "", "Worker id (defaults to hostname-uuid)")
	rootCmd.Flags().StringSlice("types", []string{"echo"}, "Task types this worker handles")
	rootCmd.Flags().Duration("poll-timeout", 20*time.Second, "How long each poll blocks server-side")
	rootCmd.Flags().Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) {
	logger := log.GetLogger()

	apiURL, _ := cmd.Flags().GetString("api")
	workerID, _ := cmd.Flags().GetString("id")
	taskTypes, _ := cmd.Flags().GetStringSlice("types")
	pollTimeout, _ := cmd.Flags().GetDuration("poll-timeout")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")

	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString())
	}

	handlers := worker.Handlers{
		"echo":  echoHandler,
		"sleep": sleepHandler,
	}
	for _, taskType := range taskTypes {
		if _, ok := handlers[taskType]; !ok {
			logger.Errorf("No handler registered for task type %q", taskType)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.New(client.NewClient(apiURL), worker.Config{
		ID:                workerID,
		TaskTypes:         taskTypes,
		PollTimeout:       pollTimeout,
		HeartbeatInterval: heartbeat,
		Descriptor: models.Worker{
			ID:       workerID,
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
			CPUCount: runtime.NumCPU(),
		},
	}, handlers, logger)

	logger.Infof("Worker %s handling types [%s] against %s", workerID, strings.Join(taskTypes, ", "), apiURL)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("Worker stopped: %v", err)
		os.Exit(1)
	}
	logger.Infof("Worker %s shut down", workerID)
}

// echoHandler returns the task payload unchanged.
func echoHandler(ctx context.Context, data types.JSONText) (types.JSONText, error) {
	out, err := json.Marshal(map[string]json.RawMessage{"echo": json.RawMessage(data)})
	if err != nil {
		return nil, err
	}
	return types.JSONText(out), nil
}

// sleepHandler sleeps for the number of seconds in the payload's
// "seconds" field, for exercising staleness and retry behavior.
func sleepHandler(ctx context.Context, data types.JSONText) (types.JSONText, error) {
	var payload struct {
		Seconds float64 `json:"seconds"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(payload.Seconds * float64(time.Second))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return types.JSONText(`{"slept": true}`), nil
}
