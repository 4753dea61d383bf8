// Package service turns a gulpfile into registered tasks and keeps running
// them when their triggers fire.
//
// Overview
// Register adds every gulpfile task to an Orchestrator. A run or command task
// becomes a CommandTask whose body returns a Future settled by the process
// exit; series and parallel tasks return the Handle of a nested run request.
//
// Runner is a thin wrapper around os/exec:
//   - starts a single process at a time
//   - splits stdout and stderr into lines for a LineFunc
//   - kills the process after its timeout or on Close
//   - hands the Result to every Wait channel
//
// The Supervisor owns an event loop multiplexing trigger sources: file
// changes (internal/watch), gocron schedules and manual Trigger calls.
//
// Data flow:
//
//	watch / gocron / Trigger     Supervisor              Orchestrator
//	          |                      |                         |
//	          |---- trigger -------->| RunParallel ----------->| CommandTask.Body
//	          |                      |                         |   Runner.Start
//	          |                      |<------ Handle.Done -----|   <-Runner.Wait
//	          |                      | log error, rerun queued |
//
// Invariants:
//   - At most one run per trigger source at a time; triggers arriving in the
//     meantime collapse into a single rerun.
//   - Runs use ContinueOnError and their failures never stop the loop.
//   - A command fails on a non-zero exit status and is retried only when the
//     task declares retry.
package service
