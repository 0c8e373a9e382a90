package gitproto

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

// StatusOK is the per-ref value recorded for accepted refs.
const StatusOK = "ok"

// Result is a parsed report-status response.
type Result struct {
	OK bool
	// Unpack is "ok" or the remote's unpack error message.
	Unpack string
	// Refs maps each ref to StatusOK or the rejection reason.
	Refs map[string]string
}

// Rejected returns the refs that were not accepted, with their reasons.
func (r *Result) Rejected() map[string]string {
	out := make(map[string]string)
	for name, status := range r.Refs {
		if status != StatusOK {
			out[name] = status
		}
	}
	return out
}

// ParseReportStatus reads a report-status response from r. Every name in
// requested must be reported on; a missing line counts as a rejection.
// The returned error is only non-nil for a malformed stream; a rejected push
// is reported through Result.OK.
func ParseReportStatus(r io.Reader, requested []string) (*Result, error) {
	res := &Result{Refs: make(map[string]string, len(requested))}

	s := pktline.NewScanner(r)
	first := true
	flushed := false
	for s.Scan() {
		line := strings.TrimSuffix(string(s.Bytes()), "\n")
		if len(line) == 0 {
			flushed = true
			break
		}

		if first {
			first = false
			msg, ok := strings.CutPrefix(line, "unpack ")
			if !ok {
				return nil, fmt.Errorf("report-status: expected unpack line, got %q", line)
			}
			res.Unpack = msg
			continue
		}

		switch {
		case strings.HasPrefix(line, "ok "):
			res.Refs[strings.TrimPrefix(line, "ok ")] = StatusOK
		case strings.HasPrefix(line, "ng "):
			name, reason, _ := strings.Cut(strings.TrimPrefix(line, "ng "), " ")
			if reason == "" {
				reason = "rejected"
			}
			res.Refs[name] = reason
		default:
			return nil, fmt.Errorf("report-status: unexpected line %q", line)
		}
	}
	if err := s.Err(); err != nil {
		var errLine *pktline.ErrorLine
		if errors.As(err, &errLine) {
			return nil, fmt.Errorf("report-status: remote error: %s", errLine.Text)
		}
		return nil, fmt.Errorf("report-status: %w", err)
	}
	if first {
		return nil, errors.New("report-status: empty response")
	}
	if !flushed {
		return nil, errors.New("report-status: response not flush-terminated")
	}

	for _, name := range requested {
		if _, ok := res.Refs[name]; !ok {
			res.Refs[name] = "missing status"
		}
	}

	res.OK = res.Unpack == "ok"
	for _, status := range res.Refs {
		if status != StatusOK {
			res.OK = false
		}
	}
	return res, nil
}
