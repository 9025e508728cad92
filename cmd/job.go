package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/hub"
	"courier/internal/jobs"
	"courier/internal/transcribe"
)

var (
	apiAddress  string
	apiTimeout  time.Duration
	apiToken    string
	jobPriority string
	jobLanguage string
	jobModel    string
	jobDiarize  bool
	jobMemory   int64
	jobStatus   string
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and manage transcription jobs on a running hub",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit <audio-url>",
	Short: "Queue a transcription job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := jobs.ParsePriority(jobPriority)
		if err != nil {
			return err
		}
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.SubmitJob(ctx, hub.JobRequest{
				Type:            "transcription",
				Priority:        priority,
				Source:          "courier-cli",
				EstimatedMemory: jobMemory,
				Request: transcribe.Request{
					AudioURL:    args[0],
					Language:    jobLanguage,
					Model:       jobModel,
					Diarization: jobDiarize,
				},
			})
		})
	},
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.JobStatus(ctx, args[0])
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.ListJobs(ctx, jobs.Status(jobStatus))
		})
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.CancelJob(ctx, args[0])
		})
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Hold a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.PauseJob(ctx, args[0])
		})
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Release a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.ResumeJob(ctx, args[0])
		})
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the metrics of a running hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callAPI(cmd, func(ctx context.Context, client *hub.Client) (*hub.Result, error) {
			return client.Metrics(ctx)
		})
	},
}

// callAPI runs fn against the hub at --api and prints the result data as JSON.
// A failed result is printed before its error is returned.
func callAPI(cmd *cobra.Command, fn func(ctx context.Context, client *hub.Client) (*hub.Result, error)) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	res, err := fn(ctx, client)
	if res != nil {
		out, marshalErr := json.MarshalIndent(res, "", "  ")
		if marshalErr != nil {
			return fmt.Errorf("failed to format response: %w", marshalErr)
		}
		fmt.Println(string(out))
	}
	return err
}

func newClient() (*hub.Client, error) {
	client, err := hub.NewClient(apiAddress, apiTimeout)
	if err != nil {
		return nil, err
	}
	client.SetToken(apiToken)
	return client, nil
}

func addAPIFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&apiAddress, "api", "127.0.0.1:8420", "Address of the hub HTTP API")
	cmd.PersistentFlags().DurationVar(&apiTimeout, "timeout", 10*time.Second, "Request timeout")
	cmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv(config.EnvPrefix+"API_TOKEN"), "Bearer token for the hub API")
}

func init() {
	addAPIFlags(jobCmd)
	addAPIFlags(metricsCmd)

	jobSubmitCmd.Flags().StringVarP(&jobPriority, "priority", "p", string(jobs.PriorityNormal), "Job priority")
	jobSubmitCmd.Flags().StringVar(&jobLanguage, "language", "", "Spoken language hint")
	jobSubmitCmd.Flags().StringVar(&jobModel, "model", "", "Transcription model")
	jobSubmitCmd.Flags().BoolVar(&jobDiarize, "diarize", false, "Label speakers")
	jobSubmitCmd.Flags().Int64Var(&jobMemory, "memory", 0, "Estimated memory in bytes (default from queue config)")
	jobListCmd.Flags().StringVar(&jobStatus, "status", "", "Only list jobs with this status")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobStatusCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobPauseCmd)
	jobCmd.AddCommand(jobResumeCmd)
}
