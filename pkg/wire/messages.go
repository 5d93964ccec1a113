package wire

import "github.com/cuemby/foundry/pkg/types"

// Hello is the first message a worker sends on the command channel.
type Hello struct {
	Ident  string       `json:"ident"`
	Target types.Target `json:"target"`
	OS     string       `json:"os"`
}

// Heartbeat is the periodic liveness message on the heartbeat ingress. A
// worker sends one at least every heartbeat_timeout/3.
type Heartbeat struct {
	Ident  string            `json:"ident"`
	Target types.Target      `json:"target"`
	OS     string            `json:"os"`
	State  types.WorkerState `json:"state"`
	JobID  int64             `json:"job_id,omitempty"`
}

// StartJob dispatches a build. Secrets arrive decrypted; they exist only in
// this message and in the worker's process environment.
type StartJob struct {
	Job      *types.Job              `json:"job"`
	PlanPath string                  `json:"plan_path"`
	VcsType  string                  `json:"vcs_type"`
	VcsData  string                  `json:"vcs_data"`
	Secrets  []*types.DecryptedSecret `json:"secrets,omitempty"`
	Timeout  int64                   `json:"timeout_seconds"`
}

// CancelJob asks the worker to stop the named job. The worker acknowledges
// with a JobStatus carrying a terminal cancel state.
type CancelJob struct {
	JobID int64 `json:"job_id"`
}

// JobStatus is the worker's report on the command channel: dispatched ack,
// terminal completion, failure, or cancel acknowledgment. The job id echoes
// the dispatched job.
type JobStatus struct {
	Job *types.Job `json:"job"`
}

// LogChunk carries one or more log lines for a running job. Seq is a
// per-job counter assigned by the worker, starting at 1.
type LogChunk struct {
	JobID   int64  `json:"job_id"`
	Seq     uint64 `json:"seq"`
	Content []byte `json:"content"`
}

// LogComplete marks the end of a job's log stream.
type LogComplete struct {
	JobID int64 `json:"job_id"`
}
