package insar

import (
	"path/filepath"
	"strconv"

	"github.com/sentryal/sarpipe/pkg/executor"
	"github.com/sentryal/sarpipe/pkg/jobstore"
)

// Stage indices are fixed; ordering is part of the job-status contract.
const (
	StagePreprocessing     = 1
	StageAlignment         = 2
	StageTopographyRemoval = 3
	StageInterferometry    = 4
	StageUnwrapping        = 5
	StageGeocoding         = 6
)

// StageDef describes one pipeline step.
type StageDef struct {
	Index int
	Name  string
	// Optional stages fail non-fatally: the stage is recorded as skipped
	// and the pipeline continues. Only unwrapping is optional.
	Optional bool
	// Build produces the fully-resolved command for this stage. All paths
	// are absolute; the executor performs no resolution.
	Build func(p StageParams) executor.Command
}

// StageParams carries everything a stage command needs.
type StageParams struct {
	Workspace        Workspace
	ReferenceGranule string
	SecondaryGranule string
	DEMPath          string
	OrbitDir         string
	BBox             *jobstore.BBox
}

// Stages is the fixed pipeline, in execution order. The final
// phase-to-displacement conversion runs after geocoding but is not a
// numbered stage (see Controller.convertToDisplacement).
var Stages = []StageDef{
	{
		Index: StagePreprocessing,
		Name:  "preprocessing",
		Build: func(p StageParams) executor.Command {
			return executor.Command{
				Tool: "preproc_tops",
				Args: []string{
					"--reference", filepath.Join(p.Workspace.RawDir(), p.ReferenceGranule+".SAFE"),
					"--secondary", filepath.Join(p.Workspace.RawDir(), p.SecondaryGranule+".SAFE"),
					"--orbit-dir", p.OrbitDir,
					"--output-dir", p.Workspace.RawDir(),
				},
				Dir: p.Workspace.Root(),
			}
		},
	},
	{
		Index: StageAlignment,
		Name:  "alignment",
		Build: func(p StageParams) executor.Command {
			return executor.Command{
				Tool: "align_tops",
				Args: []string{
					"--reference", filepath.Join(p.Workspace.RawDir(), p.ReferenceGranule+".PRM"),
					"--secondary", filepath.Join(p.Workspace.RawDir(), p.SecondaryGranule+".PRM"),
					"--dem", p.DEMPath,
					"--output-dir", p.Workspace.AlignedDir(),
				},
				Dir: p.Workspace.Root(),
			}
		},
	},
	{
		Index: StageTopographyRemoval,
		Name:  "topography_removal",
		Build: func(p StageParams) executor.Command {
			return executor.Command{
				Tool: "dem2topo_ra",
				Args: []string{
					"--reference", filepath.Join(p.Workspace.AlignedDir(), p.ReferenceGranule+".PRM"),
					"--dem", p.DEMPath,
					"--output-dir", p.Workspace.TopoDir(),
				},
				Dir: p.Workspace.Root(),
			}
		},
	},
	{
		Index: StageInterferometry,
		Name:  "interferometry",
		Build: func(p StageParams) executor.Command {
			return executor.Command{
				Tool: "intf_tops",
				Args: []string{
					"--reference", filepath.Join(p.Workspace.AlignedDir(), p.ReferenceGranule+".PRM"),
					"--secondary", filepath.Join(p.Workspace.AlignedDir(), p.SecondaryGranule+".PRM"),
					"--topo", filepath.Join(p.Workspace.TopoDir(), "topo_ra.grd"),
					"--output-dir", p.Workspace.IntfDir(),
				},
				Dir: p.Workspace.Root(),
			}
		},
	},
	{
		Index:    StageUnwrapping,
		Name:     "unwrapping",
		Optional: true,
		Build: func(p StageParams) executor.Command {
			return executor.Command{
				Tool: "snaphu_interp",
				Args: []string{
					"--phase", filepath.Join(p.Workspace.IntfDir(), "phasefilt.grd"),
					"--coherence", filepath.Join(p.Workspace.IntfDir(), "corr.grd"),
					"--output", filepath.Join(p.Workspace.IntfDir(), "unwrap.grd"),
				},
				Dir: p.Workspace.IntfDir(),
			}
		},
	},
	{
		Index: StageGeocoding,
		Name:  "geocoding",
		Build: func(p StageParams) executor.Command {
			args := []string{
				"--input-dir", p.Workspace.IntfDir(),
				"--output-dir", p.Workspace.IntfDir(),
			}
			if p.BBox != nil {
				args = append(args,
					"--north", formatCoord(p.BBox.North),
					"--south", formatCoord(p.BBox.South),
					"--east", formatCoord(p.BBox.East),
					"--west", formatCoord(p.BBox.West),
				)
			}
			return executor.Command{
				Tool: "proj_ra2ll",
				Args: args,
				Dir:  p.Workspace.Root(),
			}
		},
	},
}

// StageByIndex returns the definition for a 1-based stage index.
func StageByIndex(idx int) (StageDef, bool) {
	for _, def := range Stages {
		if def.Index == idx {
			return def, true
		}
	}
	return StageDef{}, false
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
