package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/temporal"
)

var (
	submitResumeID string
	submitSamples  int
	submitWait     bool
)

func dialTemporal() (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  appConfig.Temporal.Address,
		Namespace: appConfig.Temporal.Namespace,
		Logger:    tlog.NewStructuredLogger(rootLogger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client for %s: %w", appConfig.Temporal.Address, err)
	}
	return c, nil
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker that executes pipeline runs",
	Long: `Registers the pipeline run workflow and its phase activities on the
configured task queue. Concurrent activities are capped at the effective
worker count, which is also the most batches a run is split into.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		e, closeEngine, err := newEngine(ctx, true, nil)
		if err != nil {
			return err
		}
		defer closeEngine()

		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		settings := config.Resolve(appConfig, appPipeline)
		w := worker.New(c, appConfig.Temporal.TaskQueue, worker.Options{
			MaxConcurrentActivityExecutionSize: settings.Workers,
		})
		w.RegisterWorkflowWithOptions(temporal.PipelineRunWorkflowFunc, workflow.RegisterOptions{Name: temporal.PipelineRunWorkflow})
		w.RegisterActivity(temporal.NewActivities(e))

		rootLogger.Info("Temporal worker started.",
			"address", appConfig.Temporal.Address,
			"namespace", appConfig.Temporal.Namespace,
			"task_queue", appConfig.Temporal.TaskQueue,
			"activity_slots", settings.Workers,
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return fmt.Errorf("worker failed: %w", err)
		}
		rootLogger.Info("Temporal worker stopped.")
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:         "submit",
	Short:       "Start a pipeline run on the Temporal workers",
	Annotations: map[string]string{skipLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialTemporal()
		if err != nil {
			return err
		}
		defer c.Close()

		opts := temporal.StartOptions(appPipeline.Name, appConfig.Temporal.TaskQueue)
		run, err := c.ExecuteWorkflow(cmd.Context(), opts, temporal.PipelineRunWorkflow, temporal.PipelineRunInput{
			ResumeRunID: submitResumeID,
			SampleLimit: submitSamples,
		})
		if err != nil {
			return fmt.Errorf("failed to start workflow: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started workflow %s (execution %s).\n", run.GetID(), run.GetRunID())
		if !submitWait {
			return nil
		}

		var res temporal.PipelineRunResult
		if err := run.Get(cmd.Context(), &res); err != nil {
			return fmt.Errorf("workflow %s failed: %w", run.GetID(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d batches, %d stored, %d quarantined, %d unrecognized.\n",
			res.RunID, res.Batches, res.Store.Stored, res.Store.Quarantined, len(res.Unrecognized))
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitResumeID, "run-id", "", "Resume this run instead of starting a new one")
	submitCmd.Flags().IntVar(&submitSamples, "error-samples", 10, "Number of failed files listed in the summary")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the workflow to finish and print its result")
}
