package state

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"tessera.world/internal/protocol"
)

func worldFixture() map[string]any {
	return map[string]any{
		"zones": map[string]any{
			"harbor": map[string]any{
				"name":  "The Harbor",
				"links": []any{"old_town"},
				"areas": map[string]any{
					"docks": map[string]any{
						"spots": map[string]any{
							"pier": map[string]any{
								"name": "Pier Three",
								"items": []any{
									map[string]any{"instance_id": "lantern_1", "template_id": "lantern"},
									map[string]any{"instance_id": "anchor_1", "template_id": "anchor"},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestApplyPatch_MergeRecursesIntoMaps(t *testing.T) {
	doc := worldFixture()
	patch := map[string]any{
		"zones": map[string]any{
			"harbor": map[string]any{
				"name":    "The Grey Harbor",
				"weather": "fog",
			},
		},
	}
	changes, err := applyPatch(doc, patch)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(changes), changes)
	}

	zone := doc["zones"].(map[string]any)["harbor"].(map[string]any)
	if zone["name"] != "The Grey Harbor" || zone["weather"] != "fog" {
		t.Fatalf("merge did not land: %+v", zone)
	}
	// Siblings untouched by the patch survive.
	if _, ok := zone["areas"]; !ok {
		t.Fatalf("merge clobbered sibling keys")
	}

	// Sorted key order makes the record list deterministic.
	if changes[0].Operation != protocol.OpUpdate || changes[0].Path[2] != "name" {
		t.Fatalf("unexpected first record: %+v", changes[0])
	}
	if changes[1].Operation != protocol.OpAdd || changes[1].Path[2] != "weather" {
		t.Fatalf("unexpected second record: %+v", changes[1])
	}
}

func TestApplyPatch_OneRecordPerTerminalOp(t *testing.T) {
	doc := map[string]any{"a": map[string]any{}, "b": int64(1)}
	patch := map[string]any{
		"a": map[string]any{"x": int64(1), "y": int64(2)},
		"b": int64(3),
		"c": "new",
		"d": nil,
	}
	changes, err := applyPatch(doc, patch)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if len(changes) != 5 {
		t.Fatalf("expected one record per terminal op (5), got %d", len(changes))
	}
}

func TestApplyPatch_NullDeletesKey(t *testing.T) {
	doc := worldFixture()
	patch := map[string]any{
		"zones": map[string]any{"harbor": nil},
	}
	changes, err := applyPatch(doc, patch)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if _, ok := doc["zones"].(map[string]any)["harbor"]; ok {
		t.Fatalf("null did not delete the key")
	}
	want := []protocol.ChangeRecord{{
		Operation: protocol.OpRemove,
		Path:      []string{"zones", "harbor"},
		ZoneID:    "harbor",
	}}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyPatch_SetReplacesWholesale(t *testing.T) {
	doc := worldFixture()
	fresh := map[string]any{"meadow": map[string]any{"name": "The Meadow"}}
	patch := map[string]any{
		"zones": map[string]any{"$set": fresh},
	}
	changes, err := applyPatch(doc, patch)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != protocol.OpUpdate {
		t.Fatalf("unexpected records: %+v", changes)
	}
	zones := doc["zones"].(map[string]any)
	if _, ok := zones["harbor"]; ok {
		t.Fatalf("$set merged instead of replacing")
	}
	if _, ok := zones["meadow"]; !ok {
		t.Fatalf("$set value missing")
	}

	// $set must stand alone at its leaf.
	_, err = applyPatch(worldFixture(), map[string]any{
		"zones": map[string]any{"$set": fresh, "extra": int64(1)},
	})
	if err == nil {
		t.Fatalf("expected $set-beside-sibling rejected")
	}
}

func TestApplyPatch_ListAppendAndRemove(t *testing.T) {
	doc := worldFixture()
	items := []string{"zones", "harbor", "areas", "docks", "spots", "pier", "items"}

	patch := nestedAt(items, map[string]any{
		"$remove": map[string]any{"instance_id": "lantern_1"},
		"$append": map[string]any{"instance_id": "rope_9", "template_id": "rope"},
	})
	changes, err := applyPatch(doc, patch)
	if err != nil {
		t.Fatalf("applyPatch: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected remove+append records, got %+v", changes)
	}
	if changes[0].Operation != protocol.OpRemove || changes[0].InstanceID != "lantern_1" {
		t.Fatalf("unexpected remove record: %+v", changes[0])
	}
	if changes[1].Operation != protocol.OpAdd || changes[1].InstanceID != "rope_9" {
		t.Fatalf("unexpected append record: %+v", changes[1])
	}
	if changes[1].ZoneID != "harbor" || changes[1].AreaID != "docks" || changes[1].SpotID != "pier" {
		t.Fatalf("path ids not lifted: %+v", changes[1])
	}

	list := listAt(t, doc, items)
	if len(list) != 2 {
		t.Fatalf("expected 2 items after move, got %d", len(list))
	}
}

func TestApplyPatch_AppendSameIDReplaces(t *testing.T) {
	doc := worldFixture()
	items := []string{"zones", "harbor", "areas", "docks", "spots", "pier", "items"}

	patch := nestedAt(items, map[string]any{
		"$append": map[string]any{"instance_id": "lantern_1", "template_id": "lantern", "state": map[string]any{"lit": true}},
	})
	// Applying the same append twice must not duplicate the entry.
	for i := 0; i < 2; i++ {
		if _, err := applyPatch(doc, DeepCopy(patch).(map[string]any)); err != nil {
			t.Fatalf("applyPatch #%d: %v", i+1, err)
		}
	}
	list := listAt(t, doc, items)
	if len(list) != 2 {
		t.Fatalf("append duplicated the entry: %d items", len(list))
	}
	for _, e := range list {
		em := e.(map[string]any)
		if em["instance_id"] == "lantern_1" {
			if st, _ := em["state"].(map[string]any); st == nil || st["lit"] != true {
				t.Fatalf("append did not replace the entry: %+v", em)
			}
		}
	}
}

func TestApplyPatch_Malformed(t *testing.T) {
	cases := []struct {
		name  string
		patch map[string]any
	}{
		{"list op on scalar", map[string]any{
			"zones": map[string]any{"harbor": map[string]any{"name": map[string]any{
				"$append": map[string]any{"instance_id": "x"},
			}}},
		}},
		{"remove without predicate", nestedAt(
			[]string{"zones", "harbor", "areas", "docks", "spots", "pier", "items"},
			map[string]any{"$remove": map[string]any{}},
		)},
		{"append without instance id", nestedAt(
			[]string{"zones", "harbor", "areas", "docks", "spots", "pier", "items"},
			map[string]any{"$append": map[string]any{"template_id": "rope"}},
		)},
		{"plain key beside list op", nestedAt(
			[]string{"zones", "harbor", "areas", "docks", "spots", "pier", "items"},
			map[string]any{"$append": map[string]any{"instance_id": "x"}, "plain": int64(1)},
		)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := worldFixture()
			_, err := applyPatch(doc, tc.patch)
			if err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

// nestedAt wraps leaf under the given key path.
func nestedAt(path []string, leaf map[string]any) map[string]any {
	node := any(leaf)
	for i := len(path) - 1; i >= 0; i-- {
		node = map[string]any{path[i]: node}
	}
	return node.(map[string]any)
}

func listAt(t *testing.T, doc map[string]any, path []string) []any {
	t.Helper()
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("path %v: not a map at %q", path, p)
		}
		cur = m[p]
	}
	list, ok := cur.([]any)
	if !ok {
		t.Fatalf("path %v: not a list", path)
	}
	return list
}
