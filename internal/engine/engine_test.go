package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"tessera.world/internal/protocol"
	"tessera.world/internal/state"
)

const testExperience = `
experience_id: demo
mode: shared
spawn:
  zone_id: harbor
  area_id: docks
  spot_id: pier
blueprints:
  - template_id: lantern
    name: Brass Lantern
    description: A dented brass lantern.
    collectible: true
    visible: true
    state:
      lit: false
  - template_id: anchor
    name: Rusted Anchor
    description: Far too heavy to carry.
    collectible: false
    visible: true
  - template_id: potion
    name: Bitter Tonic
    collectible: true
    visible: true
    state:
      consumable: true
  - template_id: gem
    name: Hidden Gem
    collectible: true
    visible: false
zones:
  - zone_id: harbor
    name: The Harbor
    links: [old_town]
    areas:
      - area_id: docks
        name: The Docks
        spots:
          - spot_id: pier
            name: Pier Three
            items:
              - instance_id: lantern_1
                template_id: lantern
              - instance_id: anchor_1
                template_id: anchor
              - instance_id: potion_1
                template_id: potion
              - instance_id: gem_1
                template_id: gem
          - spot_id: boathouse
            name: The Boathouse
            items: []
            npc:
              npc_id: ferryman
              name: The Ferryman
              persona: A weathered ferryman.
  - zone_id: old_town
    name: Old Town
    links: [harbor]
    areas:
      - area_id: market
        name: Market Square
        spots:
          - spot_id: fountain
            name: The Dry Fountain
            items:
              - instance_id: coin_1
                template_id: gem
                visible: true
  - zone_id: vault
    name: The Sealed Vault
    links: []
    areas:
      - area_id: antechamber
        name: Antechamber
        spots:
          - spot_id: door
            name: The Door
            items: []
quests:
  - quest_id: light_the_way
    name: Light the Way
    status: offered
    objectives:
      - Find a lantern.
`

type capturedEvent struct {
	Topic string
	Msg   protocol.WorldUpdateMsg
}

// captureBus stands in for the broker on the publisher side.
type captureBus struct {
	mu     sync.Mutex
	events []capturedEvent
	err    error
}

func (c *captureBus) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var msg protocol.WorldUpdateMsg
	if err := protocol.Decode(payload, &msg); err != nil {
		return err
	}
	c.events = append(c.events, capturedEvent{Topic: topic, Msg: msg})
	return nil
}

func (c *captureBus) take() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) WriteAudit(entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *memAudit) all() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

type rig struct {
	eng   *Engine
	store *state.Store
	bus   *captureBus
	audit *memAudit
	tpl   *state.Template
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newRig(t *testing.T, narrator Narrator) *rig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experience.yaml")
	if err := os.WriteFile(path, []byte(testExperience), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	tpl, err := state.LoadTemplate(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}

	store := state.NewStore(state.NewMemBackend(), state.DefaultLockWait, nil)
	bus := &captureBus{}
	audit := &memAudit{}
	log := quietLog()
	eng := New(Config{AdminPrefix: "/", Admins: []string{"root"}},
		store, tpl, NewPublisher(bus, log), narrator, audit, log)
	return &rig{eng: eng, store: store, bus: bus, audit: audit, tpl: tpl}
}

func (r *rig) bootstrap(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		env := Env{UserID: u, ExperienceID: "demo", ConnID: "c-" + u}
		if err := r.eng.Bootstrap(context.Background(), env); err != nil {
			t.Fatalf("bootstrap %s: %v", u, err)
		}
	}
}

func env(user string) Env {
	return Env{UserID: user, ExperienceID: "demo", ConnID: "c-" + user}
}

func (r *rig) worldVersion(t *testing.T) int64 {
	t.Helper()
	_, v, err := r.store.Read(context.Background(), state.WorldRef("demo", "", false))
	if err != nil {
		t.Fatalf("read world: %v", err)
	}
	return v
}

func (r *rig) playerDoc(t *testing.T, user string) (map[string]any, int64) {
	t.Helper()
	doc, v, err := r.store.Read(context.Background(), state.PlayerRef("demo", user))
	if err != nil {
		t.Fatalf("read player %s: %v", user, err)
	}
	return doc, v
}

func (r *rig) worldDoc(t *testing.T) map[string]any {
	t.Helper()
	doc, _, err := r.store.Read(context.Background(), state.WorldRef("demo", "", false))
	if err != nil {
		t.Fatalf("read world: %v", err)
	}
	return doc
}
