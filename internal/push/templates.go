package push

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hearth-app/hearth/internal/event"
)

// Template is one notification's title and body. Bodies may reference
// {title}, {body} and {count} placeholders.
type Template struct {
	Title string `toml:"title"`
	Body  string `toml:"body"`
}

// Templates maps event kinds to notification copy, loaded from a TOML
// file so product can reword pushes without a deploy.
type Templates struct {
	ScheduleCreate Template `toml:"schedule_create"`
	ScheduleUpdate Template `toml:"schedule_update"`
	ScheduleDelete Template `toml:"schedule_delete"`
	FeedPost       Template `toml:"feed_post"`
	FeedPin        Template `toml:"feed_pin"`

	// Digest is used when several events coalesce into one push.
	Digest Template `toml:"digest"`
}

// DefaultTemplates returns the built-in copy.
func DefaultTemplates() *Templates {
	return &Templates{
		ScheduleCreate: Template{Title: "New schedule item", Body: "{title} was added to the calendar"},
		ScheduleUpdate: Template{Title: "Schedule changed", Body: "{title} was updated"},
		ScheduleDelete: Template{Title: "Schedule item removed", Body: "An item was taken off the calendar"},
		FeedPost:       Template{Title: "New activity", Body: "{body}"},
		FeedPin:        Template{Title: "Pinned activity", Body: "A feed entry was pinned"},
		Digest:         Template{Title: "{count} family updates", Body: "Open the app to catch up"},
	}
}

// LoadTemplates reads a TOML template file. Sections missing from the
// file fall back to the built-in copy.
func LoadTemplates(path string) (*Templates, error) {
	t := DefaultTemplates()
	if _, err := toml.DecodeFile(path, t); err != nil {
		return nil, fmt.Errorf("failed to load templates from %s: %w", path, err)
	}
	return t, nil
}

// forKind returns the template for an event kind.
func (t *Templates) forKind(kind event.Kind) Template {
	switch kind {
	case event.KindScheduleCreate:
		return t.ScheduleCreate
	case event.KindScheduleUpdate:
		return t.ScheduleUpdate
	case event.KindScheduleDelete:
		return t.ScheduleDelete
	case event.KindFeedPost:
		return t.FeedPost
	case event.KindFeedPin:
		return t.FeedPin
	}
	return t.Digest
}

// Render produces notification copy for one event.
func (t *Templates) Render(ev event.Event) (title, body string) {
	tpl := t.forKind(ev.Kind)
	title, body = tpl.Title, tpl.Body

	payload, err := event.DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return expand(title, nil), expand(body, nil)
	}

	vars := map[string]string{}
	switch p := payload.(type) {
	case *event.ScheduleCreate:
		vars["title"] = p.Title
	case *event.ScheduleUpdate:
		if p.Title != nil {
			vars["title"] = *p.Title
		} else {
			vars["title"] = "A schedule item"
		}
	case *event.FeedPost:
		vars["body"] = truncate(p.Body, 120)
	}

	return expand(title, vars), expand(body, vars)
}

// RenderDigest produces copy for a coalesced batch of events.
func (t *Templates) RenderDigest(events []event.Event) (title, body string) {
	vars := map[string]string{"count": fmt.Sprintf("%d", len(events))}
	return expand(t.Digest.Title, vars), expand(t.Digest.Body, vars)
}

func expand(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	// Strip placeholders with no value rather than leaking braces.
	for _, k := range []string{"{title}", "{body}", "{count}"} {
		s = strings.ReplaceAll(s, k, "")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
