// Package copilot reads Microsoft 365 Copilot interaction history through
// the Graph API. The API returns a flat, paged log of prompts and
// responses; the adapter groups them into sessions by sessionId.
package copilot

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
)

// Name is the source name of the adapter
const Name = "copilot"

// DefaultBaseURL is the Graph v1.0 endpoint
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	defaultPageSize = 100
	titleRunes      = 80
	metaAppClass    = internal.MetaSourcePrefix + "copilot.app_class"
)

// Options configure the adapter
type Options struct {
	Client *adapters.Client
	UserID string
}

// Adapter lists one user's interactions
type Adapter struct {
	client *adapters.Client
	user   string

	mu       sync.Mutex
	sessions map[string][]interaction // filled on first Fetch
}

var _ adapters.Adapter = (*Adapter)(nil)

// New creates an Adapter
func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("copilot: client is required")
	}
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("copilot: user id is required")
	}
	return &Adapter{client: opts.Client, user: opts.UserID}, nil
}

func (a *Adapter) Name() string { return Name }

type interaction struct {
	ID              string `json:"id"`
	SessionID       string `json:"sessionId"`
	RequestID       string `json:"requestId"`
	AppClass        string `json:"appClass"`
	InteractionType string `json:"interactionType"`
	CreatedDateTime string `json:"createdDateTime"`
	Body            struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type interactionPage struct {
	Value    []interaction `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

func (a *Adapter) firstPage(opts adapters.FetchOptions, top int) string {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(top))
	if f := dateFilter(opts.After, opts.Before); f != "" {
		q.Set("$filter", f)
	}
	return "copilot/users/" + url.PathEscape(a.user) + "/interactionHistory/getAllEnterpriseInteractions?" + q.Encode()
}

// dateFilter renders the range as an OData filter so the server applies it
func dateFilter(after, before int64) string {
	var parts []string
	if after > 0 {
		parts = append(parts, "createdDateTime ge "+odataTime(after))
	}
	if before > 0 {
		parts = append(parts, "createdDateTime lt "+odataTime(before))
	}
	return strings.Join(parts, " and ")
}

func odataTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

// List returns the sessions seen on one Graph page. A session whose
// interactions span pages is reported again on each page; the cursor is the
// server's nextLink.
func (a *Adapter) List(ctx context.Context, opts adapters.FetchOptions) (adapters.Page, error) {
	target := opts.Cursor
	if target == "" {
		target = a.firstPage(opts, opts.PageSize(defaultPageSize))
	}
	var page interactionPage
	if err := a.client.GetJSON(ctx, target, &page); err != nil {
		return adapters.Page{}, err
	}

	var out adapters.Page
	index := make(map[string]int)
	for _, it := range page.Value {
		if it.SessionID == "" {
			continue
		}
		ts, _ := adapters.ParseTimeString(it.CreatedDateTime)
		i, ok := index[it.SessionID]
		if !ok {
			index[it.SessionID] = len(out.Refs)
			out.Refs = append(out.Refs, adapters.NativeSessionRef{Source: Name, NativeID: it.SessionID, UpdatedAt: ts})
			continue
		}
		if ts > out.Refs[i].UpdatedAt {
			out.Refs[i].UpdatedAt = ts
		}
	}
	out.Next = page.NextLink
	return out, nil
}

// Fetch assembles one session from every interaction carrying its id. The
// full history is loaded once per adapter since the API cannot filter by
// session.
func (a *Adapter) Fetch(ctx context.Context, ref adapters.NativeSessionRef) (*adapters.NativeSession, error) {
	items, err := a.interactions(ctx, ref.NativeID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("copilot session %s: %w", ref.NativeID, internal.ErrNotFound)
	}
	s, dropped := convert(ref.NativeID, items)
	return &adapters.NativeSession{Ref: ref, Format: adapters.FormatGraphInteractions, Session: s, Dropped: dropped}, nil
}

// Refresh forgets the loaded history
func (a *Adapter) Refresh() {
	a.mu.Lock()
	a.sessions = nil
	a.mu.Unlock()
}

func (a *Adapter) interactions(ctx context.Context, sessionID string) ([]interaction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions == nil {
		all := make(map[string][]interaction)
		target := a.firstPage(adapters.FetchOptions{}, defaultPageSize)
		seen := make(map[string]bool)
		for target != "" {
			if seen[target] {
				return nil, fmt.Errorf("copilot: nextLink %q repeated", target)
			}
			seen[target] = true
			var page interactionPage
			if err := a.client.GetJSON(ctx, target, &page); err != nil {
				return nil, err
			}
			for _, it := range page.Value {
				all[it.SessionID] = append(all[it.SessionID], it)
			}
			target = page.NextLink
		}
		a.sessions = all
	}
	return a.sessions[sessionID], nil
}

func convert(sessionID string, items []interaction) (*internal.Session, []error) {
	s := &internal.Session{}
	adapters.Namespace(s, Name, sessionID)

	var dropped []error
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = it.RequestID + "-" + it.InteractionType
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		role, ok := internal.ParseRole(it.InteractionType)
		if !ok || (role != internal.RoleUser && role != internal.RoleAssistant) {
			dropped = append(dropped, adapters.ParseError(Name, sessionID+"/"+id, fmt.Errorf("interaction type %q", it.InteractionType)))
			continue
		}
		ts, err := adapters.ParseTimeString(it.CreatedDateTime)
		if err != nil {
			dropped = append(dropped, adapters.ParseError(Name, sessionID+"/"+id, err))
			continue
		}
		text := it.Body.Content
		if strings.EqualFold(it.Body.ContentType, "html") {
			text = htmlText(text)
		}
		m := internal.Message{ID: id, Role: role, Content: strings.TrimSpace(text), CreatedAt: ts}
		if it.RequestID != "" {
			m.Metadata = map[string]string{"copilot.request_id": it.RequestID}
		}
		s.Messages = append(s.Messages, m)
		if s.Meta(metaAppClass) == "" && it.AppClass != "" {
			s.SetMeta(metaAppClass, it.AppClass)
		}
	}

	// a prompt precedes its response when both share a timestamp
	sort.SliceStable(s.Messages, func(i, j int) bool {
		a, b := s.Messages[i], s.Messages[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.Role == internal.RoleUser && b.Role != internal.RoleUser
	})
	for i := range s.Messages {
		if i > 0 {
			s.Messages[i].ParentID = s.Messages[i-1].ID
		}
		if s.Title == "" && s.Messages[i].Role == internal.RoleUser {
			s.Title = truncate(s.Messages[i].Content, titleRunes)
		}
	}
	s.SetMeta(internal.MetaSourceFormat, string(adapters.FormatGraphInteractions))
	s.Normalize()
	return s, dropped
}

var (
	breakTag = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>`)
	anyTag   = regexp.MustCompile(`<[^>]*>`)
)

func htmlText(s string) string {
	s = breakTag.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
