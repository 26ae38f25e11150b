package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal"
)

var (
	sessionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				Padding(0, 1).
				MarginBottom(1)

	sessionMetaStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243")).
				MarginBottom(1)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39")).
				Bold(true).
				Padding(0, 1)

	assistantMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("135")).
				Bold(true).
				Padding(0, 1)

	messageContentStyle = lipgloss.NewStyle().
				Padding(0, 2).
				MarginBottom(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func newShowCmd(g *globalFlags) *cobra.Command {
	var (
		limit int
		since string
	)
	c := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show messages for a specific session",
		Long:  `Display the messages of a stored session, with its share links.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			after, err := parseWhen(since, time.Now())
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			ctx := cmd.Context()
			return g.withApp(ctx, func(a *app) error {
				session, err := a.hub.LoadSession(ctx, args[0])
				if err != nil {
					return fmt.Errorf("session %s: %w", args[0], err)
				}
				links, err := a.store.ListShareLinks(ctx, session.ID, false)
				if err != nil {
					return err
				}

				messages := session.Messages
				if after > 0 {
					filtered := make([]internal.Message, 0, len(messages))
					for _, m := range messages {
						if m.CreatedAt >= after {
							filtered = append(filtered, m)
						}
					}
					messages = filtered
				}
				total := len(messages)
				if limit > 0 && limit < total {
					messages = messages[:limit]
				}

				if g.json {
					out := *session
					out.Messages = messages
					return writeJSON(cmd.OutOrStdout(), struct {
						*internal.Session
						ShareLinks []internal.ShareLink `json:"share_links,omitempty"`
					}{&out, links})
				}

				w := cmd.OutOrStdout()
				displaySessionHeader(w, session)
				for _, l := range links {
					_, _ = fmt.Fprintln(w, sessionMetaStyle.Render(fmt.Sprintf("🔗 %s (%s)", l.URL, l.Visibility)))
				}
				for i, m := range messages {
					displayMessage(w, i+1, m, total)
				}
				if limit > 0 && limit < total {
					_, _ = fmt.Fprintln(w)
					_, _ = fmt.Fprintln(w, lipgloss.NewStyle().
						Foreground(lipgloss.Color("243")).
						Italic(true).
						Render(fmt.Sprintf("... (%d more message(s))", total-limit)))
				}
				return nil
			})
		},
	}
	c.Flags().IntVarP(&limit, "limit", "n", 0, "Limit number of messages to show")
	c.Flags().StringVar(&since, "since", "", "Show messages since this time")
	return c
}

func displaySessionHeader(w io.Writer, session *internal.Session) {
	if session == nil {
		return
	}
	title := session.Title
	if title == "" {
		title = "Untitled"
	}
	_, _ = fmt.Fprintln(w, sessionHeaderStyle.Render(fmt.Sprintf("💬 %s", title)))

	metaParts := []string{"ID: " + session.ID, "Source: " + session.Provider}
	if session.CreatedAt != 0 {
		metaParts = append(metaParts, "Created: "+internal.FormatMillis(session.CreatedAt))
	}
	metaParts = append(metaParts, fmt.Sprintf("Messages: %d", session.MessageCount))
	if session.Model != "" {
		metaParts = append(metaParts, "Model: "+session.Model)
	}
	if session.WorkspaceID != "" {
		metaParts = append(metaParts, "Workspace: "+session.WorkspaceID)
	}
	_, _ = fmt.Fprintln(w, sessionMetaStyle.Render(strings.Join(metaParts, " • ")))
	_, _ = fmt.Fprintln(w)
}

func displayMessage(w io.Writer, index int, msg internal.Message, total int) {
	var actorStyle lipgloss.Style
	var actorLabel string

	switch msg.Role {
	case internal.RoleUser:
		actorStyle = userMessageStyle
		actorLabel = "👤 User"
	case internal.RoleAssistant:
		actorStyle = assistantMessageStyle
		actorLabel = "🤖 Assistant"
	default:
		actorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
		actorLabel = fmt.Sprintf("🔧 %s", msg.Role)
	}

	header := actorStyle.Render(actorLabel) + " " + timestampStyle.Render(fmt.Sprintf("[%d/%d]", index, total))
	if msg.CreatedAt != 0 {
		header += " " + timestampStyle.Render(time.UnixMilli(msg.CreatedAt).Local().Format("15:04:05"))
	}
	_, _ = fmt.Fprintln(w, header)

	content := strings.TrimSpace(msg.Content)
	if content != "" {
		_, _ = fmt.Fprintln(w, messageContentStyle.Render(wrapText(content, 80)))
	} else {
		_, _ = fmt.Fprintln(w, messageContentStyle.Foreground(lipgloss.Color("240")).Render("(empty message)"))
	}
	_, _ = fmt.Fprintln(w)
}

func wrapText(text string, width int) string {
	lines := strings.Split(text, "\n")
	var wrapped []string

	for _, line := range lines {
		if len(line) <= width {
			wrapped = append(wrapped, line)
			continue
		}

		currentLine := ""
		for _, word := range strings.Fields(line) {
			switch {
			case currentLine == "":
				currentLine = word
			case len(currentLine)+len(word)+1 > width:
				wrapped = append(wrapped, currentLine)
				currentLine = word
			default:
				currentLine += " " + word
			}
		}
		if currentLine != "" {
			wrapped = append(wrapped, currentLine)
		}
	}

	return strings.Join(wrapped, "\n")
}
