// Package jsonfile reads and writes a directory of flat-array JSON session
// documents, one file per session.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/hostprobe"
	"github.com/iksnae/session-vault/internal/pathid"
)

// DefaultName is the source name used when Options.Name is empty
const DefaultName = "jsonfile"

// Options configure an Adapter
type Options struct {
	Dir  string
	Name string
	// Probe guards writes when the directory belongs to a live application;
	// nil allows writes unconditionally
	Probe    hostprobe.Probe
	Resolver *pathid.Resolver
}

// Adapter is a directory of session documents
type Adapter struct {
	dir      string
	name     string
	probe    hostprobe.Probe
	resolver *pathid.Resolver
	schema   *jsonschema.Schema
}

var _ adapters.SyncAdapter = (*Adapter)(nil)

// New creates an Adapter over opts.Dir
func New(opts Options) (*Adapter, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("jsonfile: directory is required")
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Resolver == nil {
		opts.Resolver = pathid.NewResolver()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("jsonfile: compile schema: %w", err)
	}
	return &Adapter{dir: opts.Dir, name: opts.Name, probe: opts.Probe, resolver: opts.Resolver, schema: schema}, nil
}

func (a *Adapter) Name() string { return a.name }

// List pages documents in file name order. The cursor is the last file
// name returned. Unreadable documents are still listed so Fetch can report
// them.
func (a *Adapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return adapters.Page{}, nil
	}
	if err != nil {
		return adapters.Page{}, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	limit := opts.PageSize(0)
	var page adapters.Page
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return adapters.Page{}, err
		}
		if opts.Cursor != "" && name <= opts.Cursor {
			continue
		}
		if limit > 0 && len(page.Refs) == limit {
			page.Next = filepath.Base(page.Refs[len(page.Refs)-1].Locator)
			break
		}
		path := filepath.Join(a.dir, name)
		ref := adapters.NativeSessionRef{Source: a.name, NativeID: strings.TrimSuffix(name, ".json"), Locator: path}
		if doc, err := a.read(path); err == nil {
			if id := doc.nativeID(); id != "" {
				ref.NativeID = id
			}
			ref.Archived = doc.Archived
			ref.UpdatedAt, _ = adapters.ParseTimestamp(doc.UpdatedAt)
		}
		if ref.UpdatedAt == 0 {
			if st, err := os.Stat(path); err == nil {
				ref.UpdatedAt = st.ModTime().UnixMilli()
			}
		}
		if ref.Archived && !opts.IncludeArchived {
			continue
		}
		if !opts.InRange(ref.UpdatedAt) {
			continue
		}
		page.Refs = append(page.Refs, ref)
	}
	return page, nil
}

// read loads and validates one document
func (a *Adapter) read(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := a.schema.Validate(inst); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Fetch reads one document. Turns with an unknown role, bad content or a
// bad timestamp are dropped individually.
func (a *Adapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ref.Locator
	if path == "" {
		path = a.pathFor(ctx, ref.NativeID)
	}
	doc, err := a.read(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", ref.NativeID, internal.ErrNotFound)
	}
	if err != nil {
		return nil, adapters.ParseError(a.name, path, err)
	}

	nativeID := doc.nativeID()
	if nativeID == "" {
		nativeID = ref.NativeID
	}
	s := &internal.Session{Title: doc.Title, Model: doc.Model, Archived: doc.Archived}
	adapters.Namespace(s, a.name, nativeID)
	for k, v := range doc.Metadata {
		s.SetMeta(k, v)
	}

	created := doc.CreatedAt
	if len(created) == 0 {
		created = doc.DateCreated
	}
	if s.CreatedAt, err = adapters.ParseTimestamp(created); err != nil {
		return nil, adapters.ParseError(a.name, path, fmt.Errorf("created_at: %w", err))
	}
	if s.UpdatedAt, err = adapters.ParseTimestamp(doc.UpdatedAt); err != nil {
		return nil, adapters.ParseError(a.name, path, fmt.Errorf("updated_at: %w", err))
	}

	var dropped []error
	for i, turn := range doc.turns() {
		m, err := message(turn, i, s.CreatedAt)
		if err != nil {
			dropped = append(dropped, adapters.ParseError(a.name, fmt.Sprintf("%s#%d", path, i), err))
			continue
		}
		s.Messages = append(s.Messages, *m)
	}
	s.SetMeta(internal.MetaSourceFormat, string(adapters.FormatFlatArray))
	s.SetMeta(internal.MetaSourceLocator, path)
	s.Normalize()

	ns := &adapters.NativeSession{Ref: ref, Format: adapters.FormatFlatArray, Session: s, Dropped: dropped}
	if doc.WorkspaceDirectory != "" {
		if id, err := a.resolver.Resolve(doc.WorkspaceDirectory); err == nil {
			s.WorkspaceID = id.ID
			ns.Workspace = &internal.Workspace{ID: id.ID, ProjectPath: id.Path, Provider: a.name, LastModified: s.UpdatedAt}
		} else {
			internal.LogDebug("session %s: workspace %q: %v", s.ID, doc.WorkspaceDirectory, err)
		}
	}
	return ns, nil
}

// message converts one turn. Turns without a timestamp are placed by index
// after the session start.
func message(turn docMessage, index int, base int64) (*internal.Message, error) {
	if turn.Message != nil {
		inner := *turn.Message
		if inner.ID == "" {
			inner.ID = turn.ID
		}
		turn = inner
	}
	role, ok := internal.ParseRole(turn.Role)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", turn.Role)
	}
	content, err := decodeContent(turn.Content)
	if err != nil {
		return nil, err
	}
	raw := turn.CreatedAt
	if len(raw) == 0 {
		raw = turn.Timestamp
	}
	ts, err := adapters.ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	if ts == 0 {
		ts = base + int64(index)
	}
	id := turn.ID
	if id == "" {
		id = fmt.Sprintf("m%d", index)
	}
	return &internal.Message{
		ID:         id,
		Role:       role,
		Content:    content,
		Model:      turn.Model,
		TokenCount: turn.TokenCount,
		CreatedAt:  ts,
		ParentID:   turn.ParentID,
	}, nil
}

// Write stores s as a document, replacing any previous version atomically
func (a *Adapter) Write(ctx context.Context, s *internal.Session, opts adapters.WriteOptions) (adapters.NativeSessionRef, error) {
	if err := a.guard(ctx, opts); err != nil {
		return adapters.NativeSessionRef{}, err
	}
	nativeID := s.ProviderSessionID
	if nativeID == "" || s.Provider != a.name {
		nativeID = uuid.NewString()
	}

	doc := document{
		ID:        nativeID,
		Title:     s.Title,
		Model:     s.Model,
		CreatedAt: json.RawMessage(fmt.Sprint(s.CreatedAt)),
		UpdatedAt: json.RawMessage(fmt.Sprint(s.UpdatedAt)),
		Archived:  s.Archived,
		Messages:  make([]docMessage, 0, len(s.Messages)),
	}
	for k, v := range s.Metadata {
		if strings.HasPrefix(k, internal.MetaSourcePrefix) {
			continue
		}
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]string)
		}
		doc.Metadata[k] = v
	}
	for _, m := range s.Messages {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return adapters.NativeSessionRef{}, err
		}
		doc.Messages = append(doc.Messages, docMessage{
			ID:         m.ID,
			Role:       string(m.Role),
			Content:    content,
			Model:      m.Model,
			TokenCount: m.TokenCount,
			CreatedAt:  json.RawMessage(fmt.Sprint(m.CreatedAt)),
			ParentID:   m.ParentID,
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return adapters.NativeSessionRef{}, err
	}
	path := a.pathFor(ctx, nativeID)
	if err := writeFileAtomic(path, data); err != nil {
		return adapters.NativeSessionRef{}, err
	}
	return adapters.NativeSessionRef{Source: a.name, NativeID: nativeID, Locator: path, UpdatedAt: s.UpdatedAt, Archived: s.Archived}, nil
}

// Delete removes the document of nativeID
func (a *Adapter) Delete(ctx context.Context, nativeID string, opts adapters.WriteOptions) error {
	if err := a.guard(ctx, opts); err != nil {
		return err
	}
	err := os.Remove(a.pathFor(ctx, nativeID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", nativeID, internal.ErrNotFound)
	}
	return err
}

// pathFor returns the file of nativeID. Documents written by other tools
// may use a file name unrelated to their id.
func (a *Adapter) pathFor(ctx context.Context, nativeID string) string {
	path := filepath.Join(a.dir, fileName(nativeID))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if found := a.findByID(ctx, nativeID); found != "" {
			return found
		}
	}
	return path
}

func (a *Adapter) findByID(ctx context.Context, nativeID string) string {
	page, err := a.List(ctx, adapters.FetchOptions{IncludeArchived: true})
	if err != nil {
		return ""
	}
	for _, ref := range page.Refs {
		if ref.NativeID == nativeID {
			return ref.Locator
		}
	}
	return ""
}

func (a *Adapter) guard(ctx context.Context, opts adapters.WriteOptions) error {
	if a.probe == nil || opts.Force {
		return nil
	}
	active, err := a.probe.Active(ctx)
	if err != nil {
		return fmt.Errorf("probe %s: %w", a.probe.Host(), err)
	}
	if active {
		return &internal.HostProcessActiveError{Host: a.probe.Host()}
	}
	return nil
}

// fileName maps a native id onto a safe file name
func fileName(nativeID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(nativeID) + ".json"
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
