// Package openwebui talks to the REST API of an Open WebUI server, the chat
// front-end commonly run in front of a local inference server. Chats are
// message trees; writes go through the same API.
package openwebui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// Name is the source name of the adapter
const Name = "openwebui"

// Options configure the adapter
type Options struct {
	Client *adapters.Client
	// ShareBaseURL prefixes share ids; defaults to the client base URL
	ShareBaseURL string
}

// Adapter reads and writes chats of one account
type Adapter struct {
	client    *adapters.Client
	shareBase string
}

var _ adapters.SyncAdapter = (*Adapter)(nil)

// New creates an Adapter
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("openwebui: client is required")
	}
	base := opts.ShareBaseURL
	if base == "" {
		base = opts.Client.BaseURL
	}
	return &Adapter{client: opts.Client, shareBase: strings.TrimRight(base, "/")}, nil
}

func (a *Adapter) Name() string { return Name }

const (
	listActive   = "chats"
	listArchived = "archived"
)

// cursor is "<list>:<page>"
func parseCursor(c string) (list string, page int, err error) {
	if c == "" {
		return listActive, 1, nil
	}
	list, n, ok := strings.Cut(c, ":")
	if !ok || (list != listActive && list != listArchived) {
		return "", 0, fmt.Errorf("openwebui: bad cursor %q", c)
	}
	page, err = strconv.Atoi(n)
	if err != nil || page < 1 {
		return "", 0, fmt.Errorf("openwebui: bad cursor %q", c)
	}
	return list, page, nil
}

func listPath(list string, page int) string {
	q := url.Values{"page": {strconv.Itoa(page)}}
	if list == listArchived {
		return "api/v1/chats/archived?" + q.Encode()
	}
	return "api/v1/chats/?" + q.Encode()
}

// List walks the server's pages of active chats, then of archived chats
// when requested. The API has no date query, so the range is applied here.
func (a *Adapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	list, page, err := parseCursor(opts.Cursor)
	if err != nil {
		return adapters.Page{}, err
	}
	var chats []chatSummary
	if err := a.client.GetJSON(ctx, listPath(list, page), &chats); err != nil {
		return adapters.Page{}, err
	}

	var out adapters.Page
	for _, c := range chats {
		updated := c.UpdatedAt.Millis()
		if !opts.InRange(updated) {
			continue
		}
		out.Refs = append(out.Refs, adapters.NativeSessionRef{
			Source:    Name,
			NativeID:  c.ID,
			Locator:   a.client.URL(chatPath(c.ID)),
			UpdatedAt: updated,
			Archived:  list == listArchived,
		})
	}
	switch {
	case len(chats) > 0:
		out.Next = list + ":" + strconv.Itoa(page+1)
	case list == listActive && opts.IncludeArchived:
		out.Next = listArchived + ":1"
	}
	return out, nil
}

func chatPath(id string) string {
	return "api/v1/chats/" + url.PathEscape(id)
}

func isNotFound(err error) bool {
	var httpErr *adapters.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	// the server answers 401 for chats owned by nobody it knows
	msg := strings.ToLower(httpErr.Message)
	return httpErr.StatusCode == http.StatusNotFound ||
		httpErr.StatusCode == http.StatusUnauthorized && (strings.Contains(msg, "not found") || strings.Contains(msg, "could not find"))
}

// Fetch reads one chat
func (a *Adapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	var c chatResponse
	if err := a.client.GetJSON(ctx, chatPath(ref.NativeID), &c); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("chat %s: %w", ref.NativeID, internal.ErrNotFound)
		}
		return nil, err
	}
	if c.ID == "" {
		return nil, adapters.ParseError(Name, ref.NativeID, fmt.Errorf("response has no chat id"))
	}
	s, format, dropped := toSession(&c)
	s.SetMeta(internal.MetaSourceLocator, a.client.URL(chatPath(c.ID)))

	ns := &adapters.NativeSession{Ref: ref, Format: format, Session: s, Dropped: dropped}
	if c.ShareID != "" {
		ns.ShareLinks = append(ns.ShareLinks, internal.ShareLink{
			SessionID:  s.ID,
			URL:        a.shareBase + "/s/" + c.ShareID,
			Visibility: "link",
			CreatedAt:  s.UpdatedAt,
		})
	}
	return ns, nil
}

// Write creates or updates the chat. Sessions from other providers, or whose
// chat no longer exists, are created fresh and get a server-assigned id.
func (a *Adapter) Write(ctx context.Context, s *internal.Session, _ adapters.WriteOptions) (adapters.NativeSessionRef, error) {
	req := struct {
		Chat chatBody `json:"chat"`
	}{Chat: fromSession(s)}

	var resp chatResponse
	id := ""
	if s.Provider == Name {
		id = s.ProviderSessionID
	}
	if id != "" {
		req.Chat.ID = id
		err := a.client.DoJSON(ctx, http.MethodPost, chatPath(id), req, &resp)
		if err != nil && !isNotFound(err) {
			return adapters.NativeSessionRef{}, err
		}
		if err != nil {
			id = ""
			req.Chat.ID = ""
		}
	}
	if id == "" {
		if err := a.client.DoJSON(ctx, http.MethodPost, "api/v1/chats/new", req, &resp); err != nil {
			return adapters.NativeSessionRef{}, err
		}
	}
	if resp.ID == "" {
		return adapters.NativeSessionRef{}, fmt.Errorf("openwebui: write returned no chat id")
	}
	if resp.Archived != s.Archived {
		if err := a.client.DoJSON(ctx, http.MethodPost, chatPath(resp.ID)+"/archive", nil, &resp); err != nil {
			return adapters.NativeSessionRef{}, fmt.Errorf("toggle archive: %w", err)
		}
	}
	return adapters.NativeSessionRef{
		Source:    Name,
		NativeID:  resp.ID,
		Locator:   a.client.URL(chatPath(resp.ID)),
		UpdatedAt: resp.UpdatedAt.Millis(),
		Archived:  resp.Archived,
	}, nil
}

// Delete removes the chat
func (a *Adapter) Delete(ctx context.Context, nativeID string, _ adapters.WriteOptions) error {
	err := a.client.DoJSON(ctx, http.MethodDelete, chatPath(nativeID), nil, nil)
	if isNotFound(err) {
		return fmt.Errorf("chat %s: %w", nativeID, internal.ErrNotFound)
	}
	return err
}
