package insar

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Products are the raster artifacts a completed pipeline leaves in the
// work tree. Geocoded variants (suffix _ll) are preferred when present.
type Products struct {
	Interferogram string
	Coherence     string
	Unwrapped     string // empty when unwrapping was skipped
	Displacement  string // empty until conversion has run
}

// product glob patterns, relative to the intf directory. Tool versions
// differ in where exactly they drop geocoded grids, hence the globs.
var productPatterns = map[string][]string{
	"interferogram": {"**/phasefilt_ll.grd", "**/phasefilt.grd"},
	"coherence":     {"**/corr_ll.grd", "**/corr.grd"},
	"unwrapped":     {"**/unwrap_ll.grd", "**/unwrap.grd"},
	"displacement":  {"**/los_mm_ll.grd", "**/los_mm.grd"},
}

// DiscoverProducts locates the pipeline's output rasters under the work
// tree. Interferogram and coherence are required; unwrapped and
// displacement are optional.
func DiscoverProducts(ws Workspace) (*Products, error) {
	intfFS := os.DirFS(ws.IntfDir())

	find := func(kind string) (string, error) {
		for _, pattern := range productPatterns[kind] {
			matches, err := doublestar.Glob(intfFS, pattern)
			if err != nil {
				return "", fmt.Errorf("glob %s: %w", pattern, err)
			}
			if len(matches) > 0 {
				return filepath.Join(ws.IntfDir(), matches[0]), nil
			}
		}
		return "", nil
	}

	interferogram, err := find("interferogram")
	if err != nil {
		return nil, err
	}
	if interferogram == "" {
		return nil, &MissingInputError{What: "interferogram", Path: ws.IntfDir()}
	}

	coherence, err := find("coherence")
	if err != nil {
		return nil, err
	}
	if coherence == "" {
		return nil, &MissingInputError{What: "coherence", Path: ws.IntfDir()}
	}

	unwrapped, err := find("unwrapped")
	if err != nil {
		return nil, err
	}
	displacement, err := find("displacement")
	if err != nil {
		return nil, err
	}

	return &Products{
		Interferogram: interferogram,
		Coherence:     coherence,
		Unwrapped:     unwrapped,
		Displacement:  displacement,
	}, nil
}

// fileExists reports whether path is an existing regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() || info.Mode()&fs.ModeSymlink != 0
}
