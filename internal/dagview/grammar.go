package dagview

import (
	"fmt"
	"strings"

	"github.com/swarmguard/stolos/internal/stolos"
)

// Grammar parses/formats job ids against an app's ordered field list,
// `_`-delimited — matching the teacher's plain string-splitting style rather
// than a regex engine, since the production job ids (date_counter_profile
// and the like) are already delimiter-stable.
type Grammar struct{}

// NewGrammar returns the shared Grammar; it is stateless.
func NewGrammar() *Grammar {
	return &Grammar{}
}

// Parse splits jobID on "_" against cfg.JobIDGrammar's field names, returning
// ErrInvalidJobId-wrapping error if the field count does not match. An app
// with no grammar configured treats the whole id as a single opaque field
// named "job_id".
func (g *Grammar) Parse(cfg AppConfig, jobID string) (map[string]string, error) {
	if len(cfg.JobIDGrammar) == 0 {
		return map[string]string{"job_id": jobID}, nil
	}
	parts := strings.Split(jobID, "_")
	if len(parts) != len(cfg.JobIDGrammar) {
		return nil, &InvalidJobIdError{JobID: jobID, Msg: fmt.Sprintf("expected %d fields, got %d", len(cfg.JobIDGrammar), len(parts))}
	}
	fields := make(map[string]string, len(parts))
	for i, name := range cfg.JobIDGrammar {
		fields[name] = parts[i]
	}
	return fields, nil
}

// Format joins fields back into a job id string in cfg.JobIDGrammar's field
// order. Missing fields are an InvalidJobIdError since the engine must never
// produce a job_id that fails the app's grammar (spec invariant 5).
func (g *Grammar) Format(cfg AppConfig, fields map[string]string) (string, error) {
	if len(cfg.JobIDGrammar) == 0 {
		if v, ok := fields["job_id"]; ok {
			return v, nil
		}
		return "", &InvalidJobIdError{Msg: "no job_id field to format"}
	}
	parts := make([]string, len(cfg.JobIDGrammar))
	for i, name := range cfg.JobIDGrammar {
		v, ok := fields[name]
		if !ok {
			return "", &InvalidJobIdError{Msg: "missing field " + name}
		}
		parts[i] = v
	}
	return strings.Join(parts, "_"), nil
}

// InvalidJobIdError wraps stolos.ErrInvalidJobId with the offending job id
// string, independent of whether it was rejected by Parse or Format.
type InvalidJobIdError struct {
	JobID string
	Msg   string
}

func (e *InvalidJobIdError) Error() string {
	if e.JobID == "" {
		return "invalid job_id: " + e.Msg
	}
	return fmt.Sprintf("invalid job_id %q: %s", e.JobID, e.Msg)
}

func (e *InvalidJobIdError) Unwrap() error { return stolos.ErrInvalidJobId }
