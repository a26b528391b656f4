// Package seed loads development fixtures from a YAML file: families,
// children, devices and an initial set of schedule and feed entries.
// Entries go through the coordinator like real client writes, so seeded
// databases carry a genuine event log instead of hand-inserted rows.
package seed

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearth-app/hearth/internal/coordinator"
	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/store"
)

// Fixture is the YAML document root.
type Fixture struct {
	Families []FamilyFixture `yaml:"families"`
}

// FamilyFixture seeds one family.
type FamilyFixture struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Children []ChildFixture  `yaml:"children"`
	Devices  []DeviceFixture `yaml:"devices"`
	Schedule []ScheduleEntry `yaml:"schedule"`
	Feed     []FeedEntry     `yaml:"feed"`
}

// ChildFixture seeds one child profile.
type ChildFixture struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DeviceFixture seeds one registered device.
type DeviceFixture struct {
	ID       string `yaml:"id"`
	Platform string `yaml:"platform"`
}

// ScheduleEntry seeds one schedule item, authored by the family's first
// device.
type ScheduleEntry struct {
	ChildID  string    `yaml:"child_id"`
	Title    string    `yaml:"title"`
	Notes    string    `yaml:"notes"`
	StartsAt time.Time `yaml:"starts_at"`
	EndsAt   time.Time `yaml:"ends_at"`
}

// FeedEntry seeds one activity feed post.
type FeedEntry struct {
	ChildID string `yaml:"child_id"`
	Body    string `yaml:"body"`
	Pinned  bool   `yaml:"pinned"`
}

// Result reports what a seed run created.
type Result struct {
	Families int
	Children int
	Devices  int
	Events   int
	Rejected int
}

// LoadFixture parses a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	for i, fam := range f.Families {
		if fam.ID == "" {
			return nil, fmt.Errorf("family %d has no id", i)
		}
		if len(fam.Devices) == 0 && (len(fam.Schedule) > 0 || len(fam.Feed) > 0) {
			return nil, fmt.Errorf("family %s has entries but no device to author them", fam.ID)
		}
	}
	return &f, nil
}

// Apply creates the fixture's records. Schedule and feed entries are
// submitted as mutations, so overlap and duplicate rules apply to
// fixtures exactly as they do to clients.
func Apply(ctx context.Context, st *store.Store, coord *coordinator.Coordinator, f *Fixture) (*Result, error) {
	result := &Result{}

	for _, fam := range f.Families {
		if err := st.UpsertFamily(ctx, store.Family{ID: fam.ID, Name: fam.Name}); err != nil {
			return nil, fmt.Errorf("failed to create family %s: %w", fam.ID, err)
		}
		result.Families++

		for _, child := range fam.Children {
			if err := st.UpsertChild(ctx, store.Child{ID: child.ID, FamilyID: fam.ID, Name: child.Name}); err != nil {
				return nil, fmt.Errorf("failed to create child %s: %w", child.ID, err)
			}
			result.Children++
		}
		for _, dev := range fam.Devices {
			platform := dev.Platform
			if platform == "" {
				platform = "seed"
			}
			if err := st.RegisterDevice(ctx, store.Device{ID: dev.ID, FamilyID: fam.ID, Platform: platform}); err != nil {
				return nil, fmt.Errorf("failed to register device %s: %w", dev.ID, err)
			}
			result.Devices++
		}

		mutations, err := familyMutations(fam)
		if err != nil {
			return nil, err
		}
		if len(mutations) == 0 {
			continue
		}

		resp, err := coord.Sync(ctx, coordinator.Request{
			DeviceID:  fam.Devices[0].ID,
			FamilyID:  fam.ID,
			Platform:  "seed",
			Mutations: mutations,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed family %s: %w", fam.ID, err)
		}
		for _, r := range resp.Results {
			if r.Status == coordinator.StatusApplied {
				result.Events++
			} else {
				result.Rejected++
			}
		}
	}

	return result, nil
}

func familyMutations(fam FamilyFixture) ([]event.Mutation, error) {
	var mutations []event.Mutation
	now := time.Now().UTC()

	for i, entry := range fam.Schedule {
		payload, err := event.MarshalPayload(&event.ScheduleCreate{
			ItemID:   event.NewID(),
			ChildID:  entry.ChildID,
			Title:    entry.Title,
			Notes:    entry.Notes,
			StartsAt: entry.StartsAt,
			EndsAt:   entry.EndsAt,
		})
		if err != nil {
			return nil, fmt.Errorf("family %s schedule entry %d: %w", fam.ID, i, err)
		}
		mutations = append(mutations, event.Mutation{
			Kind:           event.KindScheduleCreate,
			IdempotencyKey: event.NewID(),
			ClientTS:       now,
			Payload:        payload,
		})
	}

	for i, entry := range fam.Feed {
		itemID := event.NewID()
		payload, err := event.MarshalPayload(&event.FeedPost{
			ItemID:  itemID,
			ChildID: entry.ChildID,
			Body:    entry.Body,
		})
		if err != nil {
			return nil, fmt.Errorf("family %s feed entry %d: %w", fam.ID, i, err)
		}
		mutations = append(mutations, event.Mutation{
			Kind:           event.KindFeedPost,
			IdempotencyKey: event.NewID(),
			ClientTS:       now,
			Payload:        payload,
		})

		if entry.Pinned {
			pin, err := event.MarshalPayload(&event.FeedPin{ItemID: itemID, Pinned: true})
			if err != nil {
				return nil, fmt.Errorf("family %s feed entry %d pin: %w", fam.ID, i, err)
			}
			mutations = append(mutations, event.Mutation{
				Kind:           event.KindFeedPin,
				IdempotencyKey: event.NewID(),
				ClientTS:       now,
				Payload:        pin,
			})
		}
	}

	return mutations, nil
}
