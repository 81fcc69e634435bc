package service

// Package service keeps the agent running: it turns queue notifications,
// cancel requests and timer ticks into calls of the orchestrator and
// publishes telemetry on a schedule.
//
// Triggers:
//
//   NATS notify sub ----> Orchestrator.Notify     (callback goroutine)
//   NATS cancel sub ----> Orchestrator.Cancel     (callback goroutine)
//   gocron poll job ----> start chan ----> Do loop ----> Orchestrator.Notify
//   gocron telemetry ---> Telemetry.Publish       (when connected)
//
// A poll tick is a fallback for lost notifications, so it is dropped while
// a job executes. Notifications always reach the orchestrator, which rejects
// a newcomer while another job holds the guard.
//
// At start the supervisor lists the pending jobs once. A job left
// IN_PROGRESS by a previous run of the agent is only logged; queued jobs are
// picked up by an initial poll.
//
// Shutdown: the orchestrator waits for the running pipeline, then the queue
// connection is drained and finally the scheduler is stopped.
