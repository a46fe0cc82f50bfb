package syncer

import (
	"fmt"
	"strings"
)

// Action selects the transfer direction.
type Action int

const (
	ActionDownload Action = iota + 1
	ActionUpload
)

func (a Action) String() string {
	switch a {
	case ActionDownload:
		return "download"
	case ActionUpload:
		return "upload"
	}
	return "unknown"
}

// ParseAction accepts upload/u and download/d in any case.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "download", "d":
		return ActionDownload, nil
	case "upload", "u":
		return ActionUpload, nil
	}
	return 0, fmt.Errorf("invalid action %q: use upload (u) or download (d)", s)
}

// Outcome is the terminal state of one file operation.
type Outcome int

const (
	OutcomeFailed       Outcome = iota // transfer attempted and failed
	OutcomeDownloaded                  // local file created or replaced
	OutcomeUploaded                    // remote content replaced
	OutcomeUnchanged                   // digests matched, nothing transferred
	OutcomeOutOfSync                   // upload refused: registry version differs
	OutcomeReadFailure                 // upload skipped: local file unreadable
	OutcomeRemoteStatus                // download skipped: repository refused content
)

var outcomeNames = map[Outcome]string{
	OutcomeFailed:       "failed",
	OutcomeDownloaded:   "downloaded",
	OutcomeUploaded:     "uploaded",
	OutcomeUnchanged:    "unchanged",
	OutcomeOutOfSync:    "out_of_sync",
	OutcomeReadFailure:  "read_failure",
	OutcomeRemoteStatus: "remote_status",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Transferred reports whether bytes moved.
func (o Outcome) Transferred() bool {
	return o == OutcomeDownloaded || o == OutcomeUploaded
}

// Skipped reports whether the operation ended without a transfer and
// without an error.
func (o Outcome) Skipped() bool {
	return o != OutcomeFailed && !o.Transferred()
}

// Result describes one finished file operation.
type Result struct {
	Outcome Outcome
	Bytes   int64 // bytes written to the destination
}
