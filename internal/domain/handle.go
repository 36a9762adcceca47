package domain

import "time"

// Handle is the ephemeral capability needed to address one sandbox.
// It is reconstructed from a TaskRecord whenever a component needs to
// talk to the sandbox and discarded afterwards; it is never persisted.
type Handle struct {
	TaskID       string
	Branch       string
	WorktreePath string
	TmuxSession  string
	ContainerID  string
	Mode         ExecMode
	SpawnedAt    time.Time
}

// HandleFromRecord rebuilds a sandbox handle from a task record's
// process-reference fields. Returns false when the record carries
// neither a tmux session nor a container id — there is nothing to
// address, which callers treat as "skip", not as an error.
func HandleFromRecord(rec *TaskRecord) (Handle, bool) {
	h := Handle{
		TaskID:       rec.ID,
		Branch:       rec.Branch,
		WorktreePath: rec.WorktreePath,
	}
	if rec.SpawnedAt != nil {
		h.SpawnedAt = *rec.SpawnedAt
	}
	switch {
	case rec.ContainerID != "":
		h.ContainerID = rec.ContainerID
		h.Mode = ModeContainer
	case rec.TmuxSession != "":
		h.TmuxSession = rec.TmuxSession
		h.Mode = ModeLocal
	default:
		return Handle{}, false
	}
	return h, true
}
