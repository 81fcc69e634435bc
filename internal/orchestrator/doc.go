package orchestrator

// Package orchestrator admits mission jobs and runs them one at a time.
//
// Overview
// Notifications arrive from the job queue subscription or from the poll
// schedule. Both call Notify or Admit synchronously and must return quickly:
// they never wait for the vehicle. Admission only takes the Guard. Once the
// Guard is held, the rest of the job runs as a unit of work submitted to the
// Executor, and the notifying goroutine returns.
//
// Data flow:
//
//   notification          Orchestrator              Executor (pipeline)
//       |                      |                           |
//   Notify/Admit --------->  Guard.TryAcquire              |
//       |                      |-- busy: REJECTED          |
//       |<---- returns --------|-- Submit(unit) ---------->| describe, parse
//       |                      |                           | IN_PROGRESS
//       |                      |                           | sandbox, fetch, extract
//       |                      |                           | connect, upload, arm, start
//       |                      |                           | await finished
//       |                      |                           | terminal status
//       |                      |<------ Guard.Release -----|
//
// Invariants:
//   - At most one job holds the Guard, so at most one pipeline runs.
//   - Only the pipeline releases the Guard, on every exit path. Once the
//     Executor is closed the Guard is not taken at all and the job is FAILED.
//   - The in-flight cancel function is set together with the Guard, so a
//     Cancel right after Admit is not lost.
//   - A job that loses the race for the Guard gets exactly one REJECTED.
//   - An admitted job gets exactly one terminal status, except when the
//     agent shuts down mid job. Then it is left as the queue last saw it.
//   - A malformed document is REJECTED before anything is downloaded.
//   - A destination outside of the sandbox is FAILED without network access.
//
// The Guard and the in-flight cancel function are the only state shared
// between the notification side and the pipeline.
