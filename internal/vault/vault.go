// Package vault maintains the human-browsable folder tree that mirrors the
// record store. Each record lives at <root>/<folder>/<id>.md where the folder
// names its state. Relocating a file between folders is how the operator
// signals approval decisions.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/record"
)

// ErrNotFound indicates no mirror document exists for a record.
var ErrNotFound = errors.New("vault: document not found")

// Folder names for non-state directories.
const (
	LogsFolder = "Logs"
	DropFolder = "Drop_Folder"
	// CopyPrefix marks raw reference copies kept in the Inbox.
	CopyPrefix = "copy_"
)

const docExt = ".md"

var folders = map[models.State]string{
	models.StateInbox:           "Inbox",
	models.StateNeedsAction:     "Needs_Action",
	models.StatePlans:           "Plans",
	models.StatePendingApproval: "Pending_Approval",
	models.StateApproved:        "Approved",
	models.StateRejected:        "Rejected",
	models.StateDone:            "Done",
	models.StateQuarantine:      "Quarantine",
}

// Folder returns the directory name for a state.
func Folder(state models.State) string {
	return folders[state]
}

// StateOf maps a directory name back to its state.
func StateOf(folder string) (models.State, bool) {
	for st, name := range folders {
		if strings.EqualFold(name, folder) {
			return st, true
		}
	}
	return "", false
}

// Vault is a mirror rooted at a directory.
type Vault struct {
	root string
}

// New returns a vault rooted at root. It does not touch the filesystem.
func New(root string) *Vault {
	return &Vault{root: root}
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// Dir returns the absolute directory for a state.
func (v *Vault) Dir(state models.State) string {
	return filepath.Join(v.root, Folder(state))
}

// LogsDir returns the directory holding audit files.
func (v *Vault) LogsDir() string {
	return filepath.Join(v.root, LogsFolder)
}

// Path returns where the document for id lives when in state.
func (v *Vault) Path(state models.State, id string) string {
	return filepath.Join(v.Dir(state), id+docExt)
}

// EnsureLayout creates every state folder plus Logs and any extra directories.
func (v *Vault) EnsureLayout(extra ...string) error {
	dirs := []string{v.LogsDir()}
	for _, st := range models.AllStates {
		dirs = append(dirs, v.Dir(st))
	}
	dirs = append(dirs, extra...)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// MissingFolders lists state folders that do not exist.
func (v *Vault) MissingFolders() []string {
	var missing []string
	for _, st := range models.AllStates {
		if info, err := os.Stat(v.Dir(st)); err != nil || !info.IsDir() {
			missing = append(missing, Folder(st))
		}
	}
	if info, err := os.Stat(v.LogsDir()); err != nil || !info.IsDir() {
		missing = append(missing, LogsFolder)
	}
	return missing
}

// Write renders rec into its state folder. The write goes through a temp
// file and rename so readers never see a partial document.
func (v *Vault) Write(rec *models.TaskRecord) error {
	data, err := record.Encode(rec)
	if err != nil {
		return err
	}
	dir := v.Dir(rec.State)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return writeAtomic(v.Path(rec.State, rec.ID), data)
}

// Sync brings the mirror in line with rec after a store transition from
// state from. An existing document is renamed into place before rewriting.
func (v *Vault) Sync(rec *models.TaskRecord, from models.State) error {
	if from != "" && from != rec.State {
		if err := v.Move(rec.ID, from, rec.State); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return v.Write(rec)
}

// Move relocates a document between state folders. Moving a document that
// is already at its destination is a no-op.
func (v *Vault) Move(id string, from, to models.State) error {
	src := v.Path(from, id)
	dst := v.Path(to, id)
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(v.Dir(to), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", v.Dir(to), err)
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
			return fmt.Errorf("%w: %s in %s", ErrNotFound, id, Folder(from))
		}
		return fmt.Errorf("move %s: %w", id, err)
	}
	return nil
}

// Remove deletes the document for id in state, if present.
func (v *Vault) Remove(state models.State, id string) error {
	err := os.Remove(v.Path(state, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Read decodes the document for id in state.
func (v *Vault) Read(state models.State, id string) (*models.TaskRecord, error) {
	data, err := os.ReadFile(v.Path(state, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, Folder(state))
		}
		return nil, err
	}
	rec, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	rec.State = state
	return rec, nil
}

// Locations maps a record id to every folder holding a document for it.
type Locations map[string][]models.State

// Scan lists the documents in every state folder. Hidden files, raw Inbox
// copies and non-markdown files are ignored.
func (v *Vault) Scan() (Locations, error) {
	locs := make(Locations)
	for _, st := range models.AllStates {
		entries, err := os.ReadDir(v.Dir(st))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", Folder(st), err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, CopyPrefix) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(name), docExt) {
				continue
			}
			id := strings.TrimSuffix(name, filepath.Ext(name))
			locs[id] = append(locs[id], st)
		}
	}
	for id := range locs {
		sort.Slice(locs[id], func(i, j int) bool { return locs[id][i] < locs[id][j] })
	}
	return locs, nil
}

// Locate returns the single folder holding id. ok is false when the document
// is absent or present in more than one folder.
func (l Locations) Locate(id string) (models.State, bool) {
	states := l[id]
	if len(states) != 1 {
		return "", false
	}
	return states[0], true
}

// Find stats every state folder for id's document. Passes repeat until two
// in a row agree, so a rename racing the lookup is seen on one side of it.
func (v *Vault) Find(id string) []models.State {
	prev := v.find(id)
	for i := 0; i < 3; i++ {
		cur := v.find(id)
		if slices.Equal(prev, cur) {
			return cur
		}
		prev = cur
	}
	return prev
}

func (v *Vault) find(id string) []models.State {
	var states []models.State
	for _, st := range models.AllStates {
		if info, err := os.Stat(v.Path(st, id)); err == nil && !info.IsDir() {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

// WriteFile atomically writes a derived, non-record file relative to the
// vault root.
func (v *Vault) WriteFile(name string, data []byte) error {
	path := filepath.Join(v.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
