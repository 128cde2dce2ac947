package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/puppysense/internal/detector"
	"github.com/andresmejia3/puppysense/internal/queue"
	"github.com/andresmejia3/puppysense/internal/types"
	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
)

var enqueueStrategy string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <media_path>",
	Short: "Upload a file to object storage and queue it for a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnqueue(cmd.Context(), args[0], enqueueStrategy)
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueStrategy, "strategy", "s", "", "Strategy for this job (default: the worker's profile)")
	rootCmd.AddCommand(enqueueCmd)
}

func consumerConfig() queue.ConsumerConfig {
	return queue.ConsumerConfig{
		URL:         infra.RabbitMQURL,
		Queue:       infra.RabbitMQJobQueue,
		Exchange:    infra.RabbitMQExchange,
		DLQ:         infra.RabbitMQDLQ,
		StatusQueue: infra.RabbitMQStatus,
		Prefetch:    infra.RabbitMQPrefetch,
		WorkerCount: infra.WorkerCount,
		MaxRetries:  infra.MaxRetries,
		BaseDelayMs: infra.RetryBaseDelayMs,
	}
}

// dialPublisher connects to RabbitMQ and declares the topology.
// Closing the returned connection releases everything.
func dialPublisher() (*queue.Publisher, *amqp.Connection, error) {
	cfg := consumerConfig()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, errors.WithHint(errors.Wrap(err, "dial rabbitmq"), "check RABBITMQ_URL")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "open channel")
	}
	err = queue.Declare(ch, cfg)
	ch.Close()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	pub, err := queue.NewPublisher(conn, cfg.Exchange)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return pub, conn, nil
}

func runEnqueue(ctx context.Context, path, strategy string) error {
	if strategy != "" {
		kind, err := detector.ParseKind(strategy)
		if err != nil {
			return err
		}
		strategy = string(kind)
	}

	in, err := types.NewMediaInput(path, "")
	if err != nil {
		utils.ShowError("Unable to read input", err, nil)
		return reported(err)
	}

	blobs, err := newBlobStorage(ctx)
	if err != nil {
		utils.ShowError("Object storage unavailable", err, nil)
		return reported(err)
	}

	job := queue.Job{JobID: uuid.New(), MIMEType: in.MIMEType, Strategy: strategy}
	job.MediaKey = fmt.Sprintf("%s/%s", job.JobID, filepath.Base(in.Path))

	fmt.Fprintf(os.Stderr, "📤 Uploading %s...\n", filepath.Base(in.Path))
	if err := blobs.PutMedia(ctx, job.MediaKey, in.Path, in.MIMEType); err != nil {
		utils.ShowError("Upload failed", err, nil)
		return reported(err)
	}

	pub, conn, err := dialPublisher()
	if err != nil {
		utils.ShowError("Queue unavailable", err, nil)
		return reported(err)
	}
	defer conn.Close()

	if err := pub.PublishJob(ctx, job); err != nil {
		utils.ShowError("Failed to queue job", err, nil)
		return reported(err)
	}
	fmt.Fprintf(os.Stderr, "📬 Queued job %s\n", job.JobID)
	fmt.Println(job.JobID)
	return nil
}
