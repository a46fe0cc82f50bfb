package task

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"

	"github.com/fruitsalade/cmiscopy/internal/syncer"
)

// Summary totals one Run.
type Summary struct {
	Files        int
	Downloaded   int
	Uploaded     int
	Unchanged    int
	Skipped      int // out of sync, unreadable or refused by the repository
	Failed       int
	Bytes        int64
	ListFailures int
}

func (s *Summary) add(r Result) {
	s.Files++
	s.Bytes += r.Bytes
	switch r.Outcome {
	case syncer.OutcomeDownloaded:
		s.Downloaded++
	case syncer.OutcomeUploaded:
		s.Uploaded++
	case syncer.OutcomeUnchanged:
		s.Unchanged++
	case syncer.OutcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
}

// OK reports whether nothing failed.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.ListFailures == 0
}

func (s Summary) String() string {
	parts := []string{fmt.Sprintf("%d files", s.Files)}
	for _, c := range []struct {
		n    int
		name string
	}{
		{s.Downloaded, "downloaded"},
		{s.Uploaded, "uploaded"},
		{s.Unchanged, "unchanged"},
		{s.Skipped, "skipped"},
		{s.Failed, "failed"},
		{s.ListFailures, "folders unreadable"},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.name))
		}
	}
	return strings.Join(parts, ", ") + " (" + humanize.Bytes(uint64(s.Bytes)) + " transferred)"
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s *Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("files", s.Files)
	enc.AddInt("downloaded", s.Downloaded)
	enc.AddInt("uploaded", s.Uploaded)
	enc.AddInt("unchanged", s.Unchanged)
	enc.AddInt("skipped", s.Skipped)
	enc.AddInt("failed", s.Failed)
	enc.AddInt("list_failures", s.ListFailures)
	enc.AddInt64("bytes", s.Bytes)
	return nil
}
