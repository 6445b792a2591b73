package dataset

import (
	"fmt"
	"path/filepath"
)

// PhaseSpec names the corpus splits, subset tag and cap for one phase.
type PhaseSpec struct {
	Phase  string
	Split  string
	Subset string
	Cap    int
	// Splits are read in order and concatenated.
	Splits []string
}

// ResolvePhase maps "dev" and "final" to their corpus selection.
func ResolvePhase(phase string, devCap, finalCap int) (PhaseSpec, error) {
	switch phase {
	case "dev":
		return PhaseSpec{
			Phase:  phase,
			Split:  "val+test",
			Subset: fmt.Sprintf("cap%d", devCap),
			Cap:    devCap,
			Splits: []string{"validation", "test"},
		}, nil
	case "final":
		return PhaseSpec{
			Phase:  phase,
			Split:  "test",
			Subset: "full",
			Cap:    finalCap,
			Splits: []string{"test"},
		}, nil
	default:
		return PhaseSpec{}, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
}

var rawSplitFiles = map[string]string{
	"train":      "wiki.train.raw",
	"validation": "wiki.valid.raw",
	"test":       "wiki.test.raw",
}

// SplitFile returns the corpus file holding a split.
func SplitFile(dir, format, split string) (string, error) {
	switch format {
	case FormatRaw:
		name, ok := rawSplitFiles[split]
		if !ok {
			return "", fmt.Errorf("unknown split %q", split)
		}
		return filepath.Join(dir, name), nil
	case FormatJSONL:
		return filepath.Join(dir, split+".jsonl"), nil
	default:
		return "", fmt.Errorf("unknown corpus format %q", format)
	}
}

// CorpusFiles lists the phase's corpus files in reading order.
func (p PhaseSpec) CorpusFiles(dir, format string) ([]string, error) {
	files := make([]string, 0, len(p.Splits))
	for _, s := range p.Splits {
		f, err := SplitFile(dir, format, s)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Key is the "phase-P_split-S_SUBSET" fragment shared by every file name of a run.
func (p PhaseSpec) Key() string {
	return fmt.Sprintf("phase-%s_split-%s_%s", p.Phase, p.Split, p.Subset)
}

// PreparedPath is where the phase's example records are stored.
func (p PhaseSpec) PreparedPath(dir string) string {
	return filepath.Join(dir, "wikitext103_prompts_"+p.Key()+".jsonl")
}
