package state

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Template is the bootstrap definition of an experience: the world layout,
// item blueprints, and initial quests. Shared mode builds one world document
// from it; isolated mode deep-copies it per player.
type Template struct {
	ExperienceID string `yaml:"experience_id"`
	Mode         string `yaml:"mode"` // "shared" | "isolated"

	Spawn Location `yaml:"spawn"`

	Blueprints []Blueprint     `yaml:"blueprints"`
	Zones      []ZoneTemplate  `yaml:"zones"`
	Quests     []QuestTemplate `yaml:"quests"`

	blueprintIndex map[string]Blueprint
}

type Blueprint struct {
	TemplateID  string         `yaml:"template_id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Collectible bool           `yaml:"collectible"`
	Visible     bool           `yaml:"visible"`
	State       map[string]any `yaml:"state"`
}

type ZoneTemplate struct {
	ZoneID string         `yaml:"zone_id"`
	Name   string         `yaml:"name"`
	Links  []string       `yaml:"links"`
	Areas  []AreaTemplate `yaml:"areas"`
}

type AreaTemplate struct {
	AreaID string         `yaml:"area_id"`
	Name   string         `yaml:"name"`
	Spots  []SpotTemplate `yaml:"spots"`
}

type SpotTemplate struct {
	SpotID string         `yaml:"spot_id"`
	Name   string         `yaml:"name"`
	Items  []ItemTemplate `yaml:"items"`
	NPC    *NPCTemplate   `yaml:"npc"`
}

type ItemTemplate struct {
	InstanceID  string         `yaml:"instance_id"`
	TemplateID  string         `yaml:"template_id"`
	Collectible *bool          `yaml:"collectible"`
	Visible     *bool          `yaml:"visible"`
	State       map[string]any `yaml:"state"`
}

type NPCTemplate struct {
	NPCID   string `yaml:"npc_id"`
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
}

type QuestTemplate struct {
	QuestID    string   `yaml:"quest_id"`
	Name       string   `yaml:"name"`
	Status     string   `yaml:"status"`
	Objectives []string `yaml:"objectives"`
}

func LoadTemplate(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("experience template: %w", err)
	}
	if t.ExperienceID == "" {
		return nil, fmt.Errorf("experience template: missing experience_id")
	}
	switch t.Mode {
	case "":
		t.Mode = "shared"
	case "shared", "isolated":
	default:
		return nil, fmt.Errorf("experience template: unknown mode %q", t.Mode)
	}
	t.blueprintIndex = make(map[string]Blueprint, len(t.Blueprints))
	for _, bp := range t.Blueprints {
		t.blueprintIndex[bp.TemplateID] = bp
	}
	return &t, nil
}

func (t *Template) Isolated() bool { return t.Mode == "isolated" }

// Blueprint looks up an item blueprint by template id.
func (t *Template) Blueprint(templateID string) (Blueprint, bool) {
	bp, ok := t.blueprintIndex[templateID]
	return bp, ok
}

// MergeBlueprint resolves an item for presentation: blueprint fields are
// defaults, instance fields override. The stored instance stays thin.
func (t *Template) MergeBlueprint(item map[string]any) map[string]any {
	out := CopyDoc(item)
	bp, ok := t.Blueprint(ItemTemplateID(item))
	if !ok {
		return out
	}
	if _, set := out["name"]; !set && bp.Name != "" {
		out["name"] = bp.Name
	}
	if _, set := out["description"]; !set && bp.Description != "" {
		out["description"] = bp.Description
	}
	if _, set := out["collectible"]; !set {
		out["collectible"] = bp.Collectible
	}
	if _, set := out["visible"]; !set {
		out["visible"] = bp.Visible
	}
	st, _ := out["state"].(map[string]any)
	if st == nil {
		st = map[string]any{}
	}
	for k, v := range bp.State {
		if _, set := st[k]; !set {
			st[k] = DeepCopy(v)
		}
	}
	if len(st) > 0 {
		out["state"] = st
	}
	return out
}

// BuildWorldDoc materializes the world document tree. Every call returns a
// fresh deep structure, so isolated-mode players never share item instances.
func (t *Template) BuildWorldDoc() map[string]any {
	zones := map[string]any{}
	for _, z := range t.Zones {
		areas := map[string]any{}
		for _, a := range z.Areas {
			spots := map[string]any{}
			for _, s := range a.Spots {
				spot := map[string]any{
					"spot_id": s.SpotID,
					"name":    s.Name,
					"items":   buildItems(s.Items),
				}
				if s.NPC != nil {
					spot["npc"] = map[string]any{
						"npc_id":  s.NPC.NPCID,
						"name":    s.NPC.Name,
						"persona": s.NPC.Persona,
					}
				}
				spots[s.SpotID] = spot
			}
			areas[a.AreaID] = map[string]any{
				"area_id": a.AreaID,
				"name":    a.Name,
				"spots":   spots,
			}
		}
		links := make([]any, 0, len(z.Links))
		for _, l := range z.Links {
			links = append(links, l)
		}
		zones[z.ZoneID] = map[string]any{
			"zone_id": z.ZoneID,
			"name":    z.Name,
			"links":   links,
			"areas":   areas,
		}
	}
	return map[string]any{
		"metadata": map[string]any{},
		"zones":    zones,
	}
}

// BuildPlayerDoc materializes the initial player view for a user.
func (t *Template) BuildPlayerDoc(userID string) map[string]any {
	quests := map[string]any{}
	for _, q := range t.Quests {
		status := q.Status
		if status == "" {
			status = QuestOffered
		}
		objectives := make([]any, 0, len(q.Objectives))
		for _, o := range q.Objectives {
			objectives = append(objectives, o)
		}
		quests[q.QuestID] = map[string]any{
			"quest_id":   q.QuestID,
			"name":       q.Name,
			"status":     status,
			"objectives": objectives,
			"progress":   map[string]any{},
		}
	}
	return map[string]any{
		"metadata": map[string]any{},
		"user_id":  userID,
		"location": map[string]any{
			"zone_id": t.Spawn.ZoneID,
			"area_id": t.Spawn.AreaID,
			"spot_id": t.Spawn.SpotID,
		},
		"inventory": []any{},
		"quests":    quests,
	}
}

func buildItems(items []ItemTemplate) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		id := it.InstanceID
		if id == "" {
			id = uuid.NewString()
		}
		item := map[string]any{
			"instance_id": id,
			"template_id": it.TemplateID,
		}
		if it.Collectible != nil {
			item["collectible"] = *it.Collectible
		}
		if it.Visible != nil {
			item["visible"] = *it.Visible
		}
		if len(it.State) > 0 {
			item["state"] = DeepCopy(any(it.State))
		}
		out = append(out, item)
	}
	return out
}
