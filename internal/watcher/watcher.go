// Package watcher polls drop folders and turns new items into file_drop
// records. A path is converted at most once per content hash, and identical
// content dropped under another name is recorded as a duplicate instead of
// a second record.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/classifier"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/metrics"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/record"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

const (
	previewRead = 1000
	previewBody = 200
)

// NewItem describes a raw item converted into a record during a poll.
type NewItem struct {
	Path     string
	Name     string
	Hash     string
	Size     int64
	RecordID string
	Priority models.Priority
	Category string
}

// Watcher polls the configured source folders.
type Watcher struct {
	store   *store.Store
	vault   *vault.Vault
	audit   audit.Sink
	config  *config.Reloader
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a watcher. metrics may be nil.
func New(s *store.Store, v *vault.Vault, a audit.Sink, cfg *config.Reloader, m *metrics.Collector, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		store:   s,
		vault:   v,
		audit:   a,
		config:  cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "watcher")),
		now:     time.Now,
	}
}

// Poll runs one detection pass over every source folder. An unreachable
// folder is audited and skipped. Audit failures abort the pass.
func (w *Watcher) Poll(ctx context.Context) ([]NewItem, error) {
	cfg := w.config.Current()
	cls := classifier.New(cfg.Classifier)

	var items []NewItem
	for _, src := range cfg.SourcePaths(w.vault.Root()) {
		entries, err := os.ReadDir(src)
		if err != nil {
			if err := w.unreachable(src, err); err != nil {
				return items, err
			}
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if ctx.Err() != nil {
				return items, ctx.Err()
			}
			if e.IsDir() || skipName(e.Name()) {
				continue
			}
			item, err := w.process(ctx, cfg, cls, filepath.Join(src, e.Name()))
			if err != nil {
				if errors.Is(err, audit.ErrAppend) {
					return items, err
				}
				w.logger.Warn("item skipped", zap.String("path", e.Name()), zap.Error(err))
				continue
			}
			if item != nil {
				items = append(items, *item)
			}
		}
	}
	return items, nil
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

func (w *Watcher) unreachable(src string, cause error) error {
	w.logger.Warn("source unreachable", zap.String("source", src), zap.Error(cause))
	w.metrics.RecordDetection("unreachable")
	entry := &models.AuditEntry{
		ActionType: models.ActionSourceUnreachable,
		Actor:      models.ActorWatcher,
		Result:     models.ResultFailure,
		Detail:     fmt.Sprintf("%s: %v", src, cause),
	}
	if err := w.audit.Append(entry); err != nil {
		return err
	}
	w.metrics.RecordTransition(*entry)
	return nil
}

// process handles one file. It returns nil, nil for unchanged or duplicate items.
func (w *Watcher) process(ctx context.Context, cfg *config.Config, cls *classifier.Classifier, path string) (*NewItem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	seen, ok, err := w.store.SeenHash(ctx, path)
	if err != nil {
		return nil, err
	}
	if ok && seen == hash {
		return nil, nil
	}

	owner, dup, err := w.store.ContentOwner(ctx, hash)
	if err != nil {
		return nil, err
	}
	if dup {
		return nil, w.duplicate(ctx, path, hash, owner)
	}

	name := filepath.Base(path)
	preview := ""
	if hasExt(cfg.Watcher.PreviewExtensions, name) {
		preview, err = readPreview(path)
		if err != nil {
			w.logger.Warn("could not read content preview", zap.String("path", name), zap.Error(err))
		}
	}
	res := cls.Classify(classifier.Item{Name: name, Content: preview})

	now := w.now().UTC()
	id, err := w.store.UniqueID(ctx, record.FileID(name, now))
	if err != nil {
		return nil, err
	}
	state := models.StateNeedsAction
	if !cfg.Watcher.DirectToNeedsAction {
		state = models.StateInbox
	}

	rec := &models.TaskRecord{
		ID:          id,
		Kind:        models.KindFileDrop,
		State:       state,
		Priority:    res.Priority,
		Status:      models.TaskStatusPending,
		Source:      name,
		Category:    res.Category,
		ContentHash: hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rec.SetField(models.FieldSuggestedAction, res.SuggestedAction)
	rec.SetField(models.FieldFilePath, path)
	rec.SetField(models.FieldFileSize, strconv.FormatInt(info.Size(), 10))
	rec.SetField(models.FieldFileType, strings.ToLower(filepath.Ext(name)))
	rec.Body = dropBody(rec, info.Size(), preview)

	entry := &models.AuditEntry{
		ActionType: models.ActionItemDetected,
		Actor:      models.ActorWatcher,
		RecordID:   id,
		RecordKind: models.KindFileDrop,
		ToState:    state,
		Detail:     fmt.Sprintf("%s priority=%s category=%s", name, res.Priority, res.Category),
		InputsHash: audit.HashInputs(map[string]string{"path": path, "hash": hash}),
	}
	if err := w.audit.Append(entry); err != nil {
		return nil, err
	}
	w.metrics.RecordTransition(*entry)

	// The document lands before the record so the orchestrator never sees a
	// record whose mirror is still to come. Documents without a record are
	// ignored by reconciliation.
	if err := w.vault.Write(rec); err != nil {
		return nil, fmt.Errorf("write mirror %s: %w", id, err)
	}
	if err := w.store.CreateDetected(ctx, rec, path); err != nil {
		if rerr := w.vault.Remove(state, id); rerr != nil {
			w.logger.Warn("could not remove orphan document", zap.String("record_id", id), zap.Error(rerr))
		}
		if errors.Is(err, store.ErrDuplicateContent) {
			// Another writer converted the same content first; the next poll
			// sees it as a duplicate.
			return nil, nil
		}
		return nil, fmt.Errorf("create record %s: %w", id, err)
	}

	if cfg.Watcher.CopyToInbox {
		if err := copyFile(path, filepath.Join(w.vault.Dir(models.StateInbox), vault.CopyPrefix+name)); err != nil {
			w.logger.Warn("could not copy source file", zap.String("path", name), zap.Error(err))
		}
	}

	w.metrics.RecordDetection("new")
	w.logger.Info("item detected",
		zap.String("record_id", id),
		zap.String("priority", string(res.Priority)),
		zap.String("category", res.Category),
		zap.String("state", string(state)),
	)
	return &NewItem{
		Path:     path,
		Name:     name,
		Hash:     hash,
		Size:     info.Size(),
		RecordID: id,
		Priority: res.Priority,
		Category: res.Category,
	}, nil
}

func (w *Watcher) duplicate(ctx context.Context, path, hash, owner string) error {
	entry := &models.AuditEntry{
		ActionType: models.ActionItemDuplicate,
		Actor:      models.ActorWatcher,
		RecordID:   owner,
		Detail:     fmt.Sprintf("%s has the same content as %s", filepath.Base(path), owner),
		InputsHash: audit.HashInputs(map[string]string{"path": path, "hash": hash}),
	}
	if err := w.audit.Append(entry); err != nil {
		return err
	}
	w.metrics.RecordTransition(*entry)
	w.metrics.RecordDetection("duplicate")
	w.logger.Info("duplicate item", zap.String("path", filepath.Base(path)), zap.String("record_id", owner))
	return w.store.MarkSeen(ctx, path, hash, owner)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hasExt(exts []string, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// readPreview returns the first previewRead characters of a text file.
func readPreview(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, previewRead*utf8.UTFMax)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	text := strings.ToValidUTF8(string(buf[:n]), "")
	return firstRunes(text, previewRead), nil
}

func firstRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func dropBody(rec *models.TaskRecord, size int64, preview string) string {
	var b strings.Builder
	b.WriteString("# File Drop for Processing\n\n")
	b.WriteString("## Source File\n")
	fmt.Fprintf(&b, "- **Name:** %s\n", rec.Source)
	fmt.Fprintf(&b, "- **Size:** %s\n", humanize.Bytes(uint64(size)))
	fmt.Fprintf(&b, "- **Type:** %s\n", rec.Field(models.FieldFileType))
	fmt.Fprintf(&b, "- **Priority:** %s\n", strings.ToUpper(string(rec.Priority)))
	fmt.Fprintf(&b, "- **Category:** %s\n", rec.Category)
	fmt.Fprintf(&b, "- **Suggested action:** %s\n\n", rec.Field(models.FieldSuggestedAction))
	b.WriteString("## Content Preview\n```\n")
	if p := strings.TrimSpace(firstRunes(preview, previewBody)); p != "" {
		b.WriteString(strings.ReplaceAll(p, "```", "'''"))
	} else {
		b.WriteString("(Binary file or could not read)")
	}
	b.WriteString("\n```\n")
	return b.String()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
