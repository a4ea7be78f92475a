package state

import (
	"os"
	"path/filepath"
	"testing"
)

const templateYAML = `
experience_id: demo
mode: isolated
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
              - template_id: lantern
quests:
  - quest_id: light_the_way
    name: Light the Way
    objectives: [Find a lantern.]
`

func loadTestTemplate(t *testing.T, body string) (*Template, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experience.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return LoadTemplate(path)
}

func TestLoadTemplate_Validation(t *testing.T) {
	tpl, err := loadTestTemplate(t, templateYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tpl.ExperienceID != "demo" || !tpl.Isolated() {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	if _, err := loadTestTemplate(t, "mode: shared\n"); err == nil {
		t.Fatalf("expected missing experience_id rejected")
	}
	if _, err := loadTestTemplate(t, "experience_id: x\nmode: weird\n"); err == nil {
		t.Fatalf("expected unknown mode rejected")
	}
	tpl, err = loadTestTemplate(t, "experience_id: x\n")
	if err != nil {
		t.Fatalf("load minimal: %v", err)
	}
	if tpl.Isolated() {
		t.Fatalf("default mode should be shared")
	}
}

func TestBuildWorldDoc_IndependentCopies(t *testing.T) {
	tpl, err := loadTestTemplate(t, templateYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	a := tpl.BuildWorldDoc()
	b := tpl.BuildWorldDoc()

	loc := Location{ZoneID: "harbor", AreaID: "docks", SpotID: "pier"}
	item, ok := ItemAt(a, loc, "lantern_1")
	if !ok {
		t.Fatalf("lantern missing")
	}
	item["instance_id"] = "tampered"
	if _, ok := ItemAt(b, loc, "lantern_1"); !ok {
		t.Fatalf("world documents share item instances")
	}

	// Items without an explicit instance id get one generated.
	spot, _ := Spot(b, loc)
	items := SpotItems(spot)
	if len(items) != 2 {
		t.Fatalf("items=%d, want 2", len(items))
	}
	second := items[1].(map[string]any)
	if ItemInstanceID(second) == "" {
		t.Fatalf("generated instance id missing")
	}
}

func TestBuildPlayerDoc(t *testing.T) {
	tpl, err := loadTestTemplate(t, templateYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	doc := tpl.BuildPlayerDoc("alice")
	if doc["user_id"] != "alice" {
		t.Fatalf("user_id=%v", doc["user_id"])
	}
	if loc := PlayerLocation(doc); loc.ZoneID != "harbor" || loc.SpotID != "pier" {
		t.Fatalf("spawn location wrong: %+v", loc)
	}
	q, ok := Quests(doc)["light_the_way"].(map[string]any)
	if !ok {
		t.Fatalf("quest missing")
	}
	if q["status"] != QuestOffered {
		t.Fatalf("quest status=%v, want offered by default", q["status"])
	}
}

func TestMergeBlueprint(t *testing.T) {
	tpl, err := loadTestTemplate(t, templateYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	thin := map[string]any{"instance_id": "lantern_1", "template_id": "lantern"}
	merged := tpl.MergeBlueprint(thin)
	if merged["name"] != "Brass Lantern" || merged["collectible"] != true {
		t.Fatalf("defaults not applied: %+v", merged)
	}
	st, _ := merged["state"].(map[string]any)
	if st["lit"] != false {
		t.Fatalf("blueprint state not applied: %+v", st)
	}

	// Instance fields win over blueprint defaults.
	override := map[string]any{
		"instance_id": "lantern_2",
		"template_id": "lantern",
		"name":        "Cracked Lantern",
		"collectible": false,
		"state":       map[string]any{"lit": true},
	}
	merged = tpl.MergeBlueprint(override)
	if merged["name"] != "Cracked Lantern" || merged["collectible"] != false {
		t.Fatalf("overrides lost: %+v", merged)
	}
	if merged["state"].(map[string]any)["lit"] != true {
		t.Fatalf("state override lost: %+v", merged)
	}

	// The stored instance itself stays thin.
	if _, ok := thin["name"]; ok {
		t.Fatalf("merge mutated the stored instance")
	}

	// Unknown template passes through unchanged.
	odd := map[string]any{"instance_id": "x", "template_id": "mystery"}
	if got := tpl.MergeBlueprint(odd); got["name"] != nil {
		t.Fatalf("unknown template grew fields: %+v", got)
	}
}
