// Package chatgpt reads the conversations.json file of a ChatGPT data
// export. Conversations are node-and-parent-pointer mappings; the file is
// decoded as a stream so large exports are never held in memory whole.
package chatgpt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// Name is the source name of the adapter
const Name = "chatgpt"

const defaultPageSize = 100

// Adapter reads one export file
type Adapter struct {
	path string

	mu      sync.Mutex
	offsets map[string]int64 // native id -> byte offset seen by List
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates an Adapter. path is conversations.json or the directory of
// an unpacked export.
func New(path string) *Adapter {
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		path = filepath.Join(path, "conversations.json")
	}
	return &Adapter{path: path, offsets: make(map[string]int64)}
}

func (a *Adapter) Name() string { return Name }

var errStop = errors.New("stop")

// scan decodes the export array element by element, calling fn with each
// element's byte offset. fn returns errStop to end early.
func (a *Adapter) scan(ctx context.Context, fn func(off int64, raw json.RawMessage) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	tok, err := dec.Token()
	if err != nil {
		return adapters.ParseError(Name, a.path, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return adapters.ParseError(Name, a.path, fmt.Errorf("export is not an array"))
	}
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		off := dec.InputOffset()
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return adapters.ParseError(Name, a.path, err)
		}
		if err := fn(off, raw); err != nil {
			if err == errStop {
				return nil
			}
			return err
		}
	}
	return nil
}

// List pages conversations in file order. The cursor is the index of the
// next conversation. Date filtering happens here since the export has no
// query interface.
func (a *Adapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	start := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil || n < 0 {
			return adapters.Page{}, fmt.Errorf("chatgpt: bad cursor %q", opts.Cursor)
		}
		start = n
	}
	limit := opts.PageSize(defaultPageSize)

	var page adapters.Page
	index := -1
	err := a.scan(ctx, func(off int64, raw json.RawMessage) error {
		index++
		if index < start {
			return nil
		}
		if len(page.Refs) == limit {
			page.Next = strconv.Itoa(index)
			return errStop
		}
		var h header
		if err := json.Unmarshal(raw, &h); err != nil {
			internal.LogDebug("chatgpt: conversation %d unreadable: %v", index, err)
			return nil
		}
		id := h.nativeID()
		if id == "" {
			return nil
		}
		a.mu.Lock()
		a.offsets[id] = off
		a.mu.Unlock()

		updated, _ := adapters.ParseTimestamp(h.UpdateTime)
		if updated == 0 {
			updated, _ = adapters.ParseTimestamp(h.CreateTime)
		}
		if h.IsArchived && !opts.IncludeArchived {
			return nil
		}
		if !opts.InRange(updated) {
			return nil
		}
		page.Refs = append(page.Refs, adapters.NativeSessionRef{
			Source:    Name,
			NativeID:  id,
			Locator:   a.path,
			UpdatedAt: updated,
			Archived:  h.IsArchived,
		})
		return nil
	})
	if os.IsNotExist(err) {
		return adapters.Page{}, nil
	}
	return page, err
}

// Fetch decodes one conversation, seeking to it directly when List has
// already seen it
func (a *Adapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	conv, err := a.find(ctx, ref.NativeID)
	if err != nil {
		return nil, err
	}
	s, dropped, err := convert(conv)
	if err != nil {
		return nil, adapters.ParseError(Name, ref.NativeID, err)
	}
	s.SetMeta(internal.MetaSourceLocator, a.path)
	return &adapters.NativeSession{Ref: ref, Format: adapters.FormatDAG, Session: s, Dropped: dropped}, nil
}

func (a *Adapter) find(ctx context.Context, nativeID string) (*conversation, error) {
	a.mu.Lock()
	off, ok := a.offsets[nativeID]
	a.mu.Unlock()
	if ok {
		conv, err := a.decodeAt(off)
		if err == nil && conv.nativeID() == nativeID {
			return conv, nil
		}
		// the export changed since listing
		internal.LogDebug("chatgpt: stale offset for %s, rescanning", nativeID)
	}

	var found *conversation
	err := a.scan(ctx, func(off int64, raw json.RawMessage) error {
		var h header
		if json.Unmarshal(raw, &h) != nil || h.nativeID() != nativeID {
			return nil
		}
		var conv conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return adapters.ParseError(Name, nativeID, err)
		}
		found = &conv
		a.mu.Lock()
		a.offsets[nativeID] = off
		a.mu.Unlock()
		return errStop
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("conversation %s: %w", nativeID, internal.ErrNotFound)
	}
	return found, nil
}

// decodeAt decodes the array element starting at off. The offset may point
// at the separator before the element.
func (a *Adapter) decodeAt(off int64) (*conversation, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ',' || b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return nil, err
		}
		break
	}
	var conv conversation
	if err := json.NewDecoder(br).Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}
