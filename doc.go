/*
Package queryboost streams rows to the Queryboost inference service and saves the results.

# Connect

Create a [Client] from a [config.Config]. [config.Load] resolves the API key, url and port from
options, the QUERYBOOST_API_KEY, QUERYBOOST_URL and QUERYBOOST_PORT environment variables and an
optional HCL file, in that order of precedence.

	cfg, err := config.Load("", config.WithBatchSize(32))
	if err != nil {
		return err
	}
	client, err := queryboost.NewClient(cfg)

# Run a prompt

A run reads rows from a [row.Source], sends them in batches over a Flight exchange, and hands
result batches to a buffered sink which writes them out once enough has accumulated
(256 MiB by default). The prompt references input columns with {column} placeholders.

	src := row.FromSlice([]map[string]any{
		{"review": "Arrived broken."},
		{"review": "Does what it says."},
	})
	result, err := client.Run(ctx, src, "Classify the sentiment of: {review}", queryboost.RunOptions{
		Name: "reviews",
	})

Results are saved as parquet files under ~/.cache/queryboost/<name> unless
[RunOptions.OutputDir] or [RunOptions.Writer] says otherwise. The destination package provides
writers for local directories, S3 prefixes, SQLite tables and memory.

# Failures

Transient connection failures are retried transparently, resending the batches which were in
flight. Anything else ends the run: whatever results were already received are saved first, and
the returned [RunError] reports whether any artifacts were written before the failure.

Use [Client.Start] instead of [Client.Run] to get a [Run] handle which can be cancelled.
*/
package queryboost
