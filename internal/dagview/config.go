package dagview

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// ConfigSource abstracts "read the current document" (spec §9: inject a
// ConfigSource into the DagView explicitly rather than rely on ambient
// module globals). Implementations may re-read on every call.
type ConfigSource interface {
	Document() (Document, error)
}

// rawDocument mirrors Document's shape as written in the DAG config file —
// JSON and YAML tags both point at snake_case keys so one struct decodes
// either format.
type rawDocument struct {
	Apps map[string]rawAppConfig `json:"apps" yaml:"apps"`
}

type rawAppConfig struct {
	JobType      string                    `json:"job_type" yaml:"job_type"`
	DependsOn    map[string]rawDependency  `json:"depends_on" yaml:"depends_on"`
	ValidIfOr    *rawValidIfOr             `json:"valid_if_or" yaml:"valid_if_or"`
	MaxRetry     int                       `json:"max_retry" yaml:"max_retry"`
	Priority     *int                      `json:"priority" yaml:"priority"`
	JobIDGrammar []string                  `json:"job_id_grammar" yaml:"job_id_grammar"`
	BashCmd      string                    `json:"bash_cmd" yaml:"bash_cmd"`
}

type rawDependency struct {
	Pin       []string            `json:"pin" yaml:"pin"`
	Enumerate map[string][]string `json:"enumerate" yaml:"enumerate"`
	Func      string              `json:"_func" yaml:"_func"`
}

type rawValidIfOr struct {
	Values map[string][]string `json:"values" yaml:"values"`
	Func   string               `json:"_func" yaml:"_func"`
}

func toDocument(raw rawDocument) Document {
	doc := Document{Apps: make(map[string]AppConfig, len(raw.Apps))}
	for name, a := range raw.Apps {
		cfg := AppConfig{
			JobType:      a.JobType,
			MaxRetry:     a.MaxRetry,
			Priority:     a.Priority,
			JobIDGrammar: a.JobIDGrammar,
			BashCmd:      a.BashCmd,
		}
		if len(a.DependsOn) > 0 {
			cfg.DependsOn = make(map[string]Dependency, len(a.DependsOn))
			for parent, d := range a.DependsOn {
				cfg.DependsOn[parent] = Dependency{Pin: d.Pin, Enumerate: d.Enumerate, Func: d.Func}
			}
		}
		if a.ValidIfOr != nil {
			cfg.ValidIfOr = &ValidIfOr{Values: a.ValidIfOr.Values, Func: a.ValidIfOr.Func}
		}
		doc.Apps[name] = cfg
	}
	return doc
}

// FileConfigSource re-reads and re-parses path on every Document call (spec
// §4.2's "the document may change between any two operations" policy), with
// a singleflight group collapsing concurrent reads during a burst of queries
// into a single disk read + parse.
type FileConfigSource struct {
	path  string
	group singleflight.Group
}

// NewFileConfigSource returns a ConfigSource backed by the JSON or YAML file
// at path (format inferred from its extension).
func NewFileConfigSource(path string) *FileConfigSource {
	return &FileConfigSource{path: path}
}

func (s *FileConfigSource) Document() (Document, error) {
	v, err, _ := s.group.Do(s.path, func() (interface{}, error) {
		return s.load()
	})
	if err != nil {
		return Document{}, err
	}
	return v.(Document), nil
}

func (s *FileConfigSource) load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, errors.Wrapf(err, "read config %s", s.path)
	}

	var raw rawDocument
	switch filepath.Ext(s.path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Document{}, errors.Wrapf(err, "parse yaml config %s", s.path)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return Document{}, errors.Wrapf(err, "parse json config %s", s.path)
		}
	}
	return toDocument(raw), nil
}

// StaticConfigSource serves a fixed, in-memory Document — used by tests that
// want deterministic DAG fixtures without touching the filesystem.
type StaticConfigSource struct {
	Doc Document
}

func (s *StaticConfigSource) Document() (Document, error) {
	return s.Doc, nil
}
