package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/s3relay/internal/queue"
)

func newLambdaCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an SQS-triggered AWS Lambda function",
		Long: `Run the Lambda runtime loop. The function must be configured with
ReportBatchItemFailures so that only failed messages are redelivered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := setup(ctx, flags, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer env.close()

			store, err := env.objectStore(ctx)
			if err != nil {
				return err
			}
			handler := queue.NewLambdaHandler(env.newWorker(store), env.logger)

			// lambda.Start does not return while the runtime is healthy.
			lambda.Start(handler.Handle)
			return nil
		},
	}
}
