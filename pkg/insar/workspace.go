package insar

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the isolated per-job working tree. One tree belongs to
// exactly one job; nothing is shared across jobs.
//
// Layout:
//
//	<root>/<job_id>/raw/     granule archives and preprocessed bursts
//	<root>/<job_id>/aligned/ co-registered SLCs
//	<root>/<job_id>/topo/    simulated topography products
//	<root>/<job_id>/intf/    interferogram, coherence, unwrapped, geocoded
//	<root>/<job_id>/logs/    per-stage tool output
type Workspace struct {
	root string
}

// NewWorkspace addresses (without creating) the tree for one job.
func NewWorkspace(workspaceRoot, jobID string) Workspace {
	return Workspace{root: filepath.Join(workspaceRoot, jobID)}
}

func (w Workspace) Root() string       { return w.root }
func (w Workspace) RawDir() string     { return filepath.Join(w.root, "raw") }
func (w Workspace) AlignedDir() string { return filepath.Join(w.root, "aligned") }
func (w Workspace) TopoDir() string    { return filepath.Join(w.root, "topo") }
func (w Workspace) IntfDir() string    { return filepath.Join(w.root, "intf") }
func (w Workspace) LogsDir() string    { return filepath.Join(w.root, "logs") }

// Ensure creates the full tree. Idempotent; safe to call repeatedly.
func (w Workspace) Ensure() error {
	for _, dir := range []string{w.RawDir(), w.AlignedDir(), w.TopoDir(), w.IntfDir(), w.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes the whole tree. Best effort cleanup after terminal
// states; missing trees are not an error.
func (w Workspace) Remove() error {
	if err := os.RemoveAll(w.root); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.root, err)
	}
	return nil
}
