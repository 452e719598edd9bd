package eval

import (
	"encoding/json"
	"os"

	"github.com/bbiangul/ingestor/fault"
)

// Label is one expected entity in a gold-labelled sample. Names are
// compared case-insensitively, types exactly.
type Label struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Sample is one piece of content with its gold entity labels.
type Sample struct {
	ID          string  `json:"id"`
	ContentType string  `json:"content_type"`
	Text        string  `json:"text"`
	Expected    []Label `json:"expected"`
}

// Dataset is a named collection of gold-labelled samples.
type Dataset struct {
	Name    string   `json:"name"`
	Samples []Sample `json:"samples"`
}

// LoadDataset reads a dataset from a JSON file.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, "reading dataset", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fault.Wrap(fault.Validation, "parsing dataset", err)
	}
	if len(ds.Samples) == 0 {
		return nil, fault.New(fault.Validation, "dataset has no samples")
	}
	for i, s := range ds.Samples {
		if s.Text == "" {
			return nil, fault.Errorf(fault.Validation, "sample %d has no text", i)
		}
	}
	return &ds, nil
}

// DefaultDataset returns the built-in smoke set: short texts whose entities
// the rule sweeps alone can find, plus a few labels only a model will reach.
// It is the dataset cmd/eval runs when no file is given.
func DefaultDataset() Dataset {
	return Dataset{
		Name: "builtin",
		Samples: []Sample{
			{
				ID:          "press-release",
				ContentType: "text/plain",
				Text: "Acme Corp announced on 2024-03-15 that Jane Porter will lead " +
					"its robotics division. Porter joins from Globex Inc, where she " +
					"reported to Tom Sawyer.",
				Expected: []Label{
					{Name: "Acme Corp", Type: "organization"},
					{Name: "Globex Inc", Type: "organization"},
					{Name: "Jane Porter", Type: "person"},
					{Name: "Tom Sawyer", Type: "person"},
					{Name: "2024-03-15", Type: "date"},
				},
			},
			{
				ID:          "meeting-notes",
				ContentType: "text/plain",
				Text: "On 12/04/2025 the board of Initech LLC approved the merger " +
					"with Hooli Inc. Richard Hendricks raised concerns about the " +
					"integration timetable.",
				Expected: []Label{
					{Name: "Initech LLC", Type: "organization"},
					{Name: "Hooli Inc", Type: "organization"},
					{Name: "Richard Hendricks", Type: "person"},
					// Labels name the canonical extracted form; the pipeline
					// rewrites 12/04/2025 to ISO.
					{Name: "2025-12-04", Type: "date"},
				},
			},
			{
				ID:          "python-module",
				ContentType: "text/x-python",
				Text: "class ConfigStore:\n    def load_config(self, path):\n" +
					"        return read_file(path)\n\ndef apply_overrides(cfg):\n" +
					"    pass\n",
				Expected: []Label{
					{Name: "ConfigStore", Type: "technology"},
					{Name: "load_config", Type: "technology"},
					{Name: "apply_overrides", Type: "technology"},
				},
			},
			{
				// The location and product labels are out of reach for the
				// rule sweeps; they separate a model run from a fallback run.
				ID:          "product-launch",
				ContentType: "text/plain",
				Text: "Vandelay Industries unveiled the Latex Pro 9 at its Berlin " +
					"facility on 2025-01-30, with Elaine Benes presenting the " +
					"keynote.",
				Expected: []Label{
					{Name: "Vandelay Industries", Type: "organization"},
					{Name: "Elaine Benes", Type: "person"},
					{Name: "2025-01-30", Type: "date"},
					{Name: "Latex Pro 9", Type: "product"},
					{Name: "Berlin", Type: "location"},
				},
			},
		},
	}
}
