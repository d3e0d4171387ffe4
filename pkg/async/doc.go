/*
Package async runs long workflows on bounded worker pools without ever parking
a worker in a sleep.

A Pool is an ants worker pool behind a bounded queue. When the queue is full
the pool applies its Policy:

  - CallerRuns executes the task on the submitting goroutine. Used for the
    provisioning pool, where dropping work is not acceptable.
  - DiscardOldest drops the oldest queued task. Used for the monitoring pool,
    where a stale health probe is safe to lose.

Every wait (health polling, settling delays, retry backoff) is a timer that
re-submits a continuation when it fires, so a waiting workflow holds no worker.

A Chain strings steps together:

	async.NewChain(pool, "create-cluster", logger).
		Await("create-containers", createContainers).
		Await("wait-healthy", waitHealthy).
		Delay("settle", 30*time.Second).
		Retry("setup-primary", async.Constant(3, 10*time.Second), setupPrimary).
		BestEffort("register", async.Constant(3, 10*time.Second), register).
		Then("finalize", finalize).
		Run(ctx, onDone)

Backoff schedules come from github.com/sethvargo/go-retry.
*/
package async
