package engine

import (
	"context"
	"strings"
	"testing"

	"tessera.world/internal/protocol"
	"tessera.world/internal/state"
)

func TestCollect_MovesItemWithTwoEvents(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	r.bus.take() // discard bootstrap noise (there is none, but stay explicit)
	ctx := context.Background()

	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
	})
	if !res.Success {
		t.Fatalf("collect failed: %+v", res)
	}
	if !strings.Contains(res.Message, "Brass Lantern") {
		t.Fatalf("result message missing blueprint name: %q", res.Message)
	}

	// The item left the world and entered the inventory.
	world := r.worldDoc(t)
	if _, _, found := state.FindItem(world, "lantern_1"); found {
		t.Fatalf("item still in the world")
	}
	player, playerVer := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(player, "lantern_1"); !ok {
		t.Fatalf("item not in inventory")
	}

	// Two independent writes, so both documents moved to version 2 and each
	// write published its own event on the actor's topic.
	if v := r.worldVersion(t); v != 2 {
		t.Fatalf("world version=%d, want 2", v)
	}
	if playerVer != 2 {
		t.Fatalf("player version=%d, want 2", playerVer)
	}

	events := r.bus.take()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Topic != Topic("demo", "alice") {
			t.Fatalf("event on topic %q", ev.Topic)
		}
		if ev.Msg.BaseVersion != 1 || ev.Msg.SnapshotVersion != 2 {
			t.Fatalf("event versions %d->%d, want 1->2", ev.Msg.BaseVersion, ev.Msg.SnapshotVersion)
		}
	}
	if events[0].Msg.Document != protocol.DocumentWorld || events[1].Msg.Document != protocol.DocumentPlayer {
		t.Fatalf("expected world write first, got %s then %s", events[0].Msg.Document, events[1].Msg.Document)
	}
	if op := events[0].Msg.Changes[0].Operation; op != protocol.OpRemove {
		t.Fatalf("world change op=%s, want remove", op)
	}
	if op := events[1].Msg.Changes[0].Operation; op != protocol.OpAdd {
		t.Fatalf("player change op=%s, want add", op)
	}
}

func TestCollect_PreconditionHints(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	t.Run("elsewhere hints location", func(t *testing.T) {
		res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": "coin_1"},
		})
		if res.Success || res.Code != protocol.ErrPrecondition {
			t.Fatalf("expected precondition failure, got %+v", res)
		}
		if !strings.Contains(res.Message, "old_town/market/fountain") {
			t.Fatalf("expected location hint, got %q", res.Message)
		}
	})

	t.Run("not collectible", func(t *testing.T) {
		res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": "anchor_1"},
		})
		if res.Success || res.Code != protocol.ErrPrecondition {
			t.Fatalf("expected precondition failure, got %+v", res)
		}
		if !strings.Contains(res.Message, "cannot be picked up") {
			t.Fatalf("unexpected message %q", res.Message)
		}
	})

	t.Run("invisible item is not here", func(t *testing.T) {
		res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": "gem_1"},
		})
		if res.Success || res.Code != protocol.ErrPrecondition {
			t.Fatalf("expected precondition failure, got %+v", res)
		}
	})

	t.Run("already carried", func(t *testing.T) {
		if res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
		}); !res.Success {
			t.Fatalf("setup collect failed: %+v", res)
		}
		res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
		})
		if res.Success || !strings.Contains(res.Message, "already carry") {
			t.Fatalf("expected already-carried hint, got %+v", res)
		}
	})
}

func TestDrop_ReturnsItemToCurrentSpot(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("collect: %+v", res)
	}
	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"spot_id": "boathouse"},
	}); !res.Success {
		t.Fatalf("move: %+v", res)
	}
	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "drop", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("drop: %+v", res)
	}

	world := r.worldDoc(t)
	loc, _, found := state.FindItem(world, "lantern_1")
	if !found || loc.SpotID != "boathouse" {
		t.Fatalf("item not at boathouse: found=%v loc=%+v", found, loc)
	}
	player, _ := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(player, "lantern_1"); ok {
		t.Fatalf("item still in inventory")
	}

	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "drop", Params: map[string]any{"instance_id": "lantern_1"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("double drop: %+v", res)
	}
}

func TestUse_ConsumableAndDurable(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	for _, id := range []string{"potion_1", "lantern_1"} {
		if res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "collect", Params: map[string]any{"instance_id": id},
		}); !res.Success {
			t.Fatalf("collect %s: %+v", id, res)
		}
	}

	// Consumable disappears.
	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "use", Params: map[string]any{"instance_id": "potion_1"},
	}); !res.Success {
		t.Fatalf("use potion: %+v", res)
	}
	player, _ := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(player, "potion_1"); ok {
		t.Fatalf("consumable survived use")
	}

	// Durable stays, marked used.
	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "use", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("use lantern: %+v", res)
	}
	player, _ = r.playerDoc(t, "alice")
	item, ok := state.InventoryItem(player, "lantern_1")
	if !ok {
		t.Fatalf("durable item vanished")
	}
	st, _ := item["state"].(map[string]any)
	if st == nil || st["used"] != true {
		t.Fatalf("durable item not marked used: %+v", item)
	}
}

func TestMove_RespectsZoneLinks(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	// vault is not linked from harbor.
	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"zone_id": "vault", "area_id": "antechamber", "spot_id": "door"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected unlinked zone rejected, got %+v", res)
	}

	res = r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"zone_id": "old_town", "area_id": "market", "spot_id": "fountain"},
	})
	if !res.Success {
		t.Fatalf("move to linked zone: %+v", res)
	}
	player, _ := r.playerDoc(t, "alice")
	if loc := state.PlayerLocation(player); loc.ZoneID != "old_town" || loc.SpotID != "fountain" {
		t.Fatalf("location not updated: %+v", loc)
	}

	res = r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"spot_id": "nowhere"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected missing spot rejected, got %+v", res)
	}
}

func TestGive_ToPlayerWritesRecipientView(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice", "bob")
	ctx := context.Background()

	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("collect: %+v", res)
	}
	r.bus.take()

	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "give", Params: map[string]any{"instance_id": "lantern_1", "to_user": "bob"},
	})
	if !res.Success {
		t.Fatalf("give: %+v", res)
	}

	alice, _ := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(alice, "lantern_1"); ok {
		t.Fatalf("giver still has the item")
	}
	bob, _ := r.playerDoc(t, "bob")
	if _, ok := state.InventoryItem(bob, "lantern_1"); !ok {
		t.Fatalf("recipient did not get the item")
	}

	// The recipient's write lands on the recipient's topic.
	events := r.bus.take()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Topic != Topic("demo", "alice") || events[1].Topic != Topic("demo", "bob") {
		t.Fatalf("topics %q then %q", events[0].Topic, events[1].Topic)
	}

	// Unknown recipient is a precondition failure before any write.
	res = r.eng.Dispatch(ctx, env("bob"), Action{
		Name: "give", Params: map[string]any{"instance_id": "lantern_1", "to_user": "charlie"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected unknown recipient rejected, got %+v", res)
	}
	bob, _ = r.playerDoc(t, "bob")
	if _, ok := state.InventoryItem(bob, "lantern_1"); !ok {
		t.Fatalf("failed give mutated the giver")
	}
}

func TestGive_ToNPCAtSpot(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("collect: %+v", res)
	}

	// NPC is at the boathouse, not the pier.
	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "give", Params: map[string]any{"instance_id": "lantern_1", "to_npc": "ferryman"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected NPC-not-here rejected, got %+v", res)
	}

	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"spot_id": "boathouse"},
	}); !res.Success {
		t.Fatalf("move: %+v", res)
	}
	res = r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "give", Params: map[string]any{"instance_id": "lantern_1", "to_npc": "ferryman"},
	})
	if !res.Success {
		t.Fatalf("give to npc: %+v", res)
	}
	player, _ := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(player, "lantern_1"); ok {
		t.Fatalf("item still carried after handing it over")
	}
}

func TestQuests_StatusTransitions(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")
	ctx := context.Background()

	// complete before accept is rejected.
	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "quests", Params: map[string]any{"quest_id": "light_the_way", "op": "complete"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected invalid transition rejected, got %+v", res)
	}

	for _, step := range []struct{ op, want string }{
		{"accept", state.QuestActive},
		{"complete", state.QuestCompleted},
	} {
		res := r.eng.Dispatch(ctx, env("alice"), Action{
			Name: "quests", Params: map[string]any{"quest_id": "light_the_way", "op": step.op},
		})
		if !res.Success {
			t.Fatalf("%s: %+v", step.op, res)
		}
		player, _ := r.playerDoc(t, "alice")
		q, _ := state.Quests(player)["light_the_way"].(map[string]any)
		if q["status"] != step.want {
			t.Fatalf("after %s: status=%v, want %s", step.op, q["status"], step.want)
		}
	}

	// Completed quests cannot be accepted again.
	res = r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "quests", Params: map[string]any{"quest_id": "light_the_way", "op": "accept"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected re-accept rejected, got %+v", res)
	}
}

func TestTalk_RoutesToNarratorWithPersona(t *testing.T) {
	r := newRig(t, StaticNarrator{Line: "Aye, the tide waits for no one."})
	r.bootstrap(t, "alice")
	ctx := context.Background()

	// Nobody at the pier.
	res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "talk", Params: map[string]any{"text": "hello?"},
	})
	if res.Success || res.Code != protocol.ErrPrecondition {
		t.Fatalf("expected nobody-here rejected, got %+v", res)
	}

	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "move", Params: map[string]any{"spot_id": "boathouse"},
	}); !res.Success {
		t.Fatalf("move: %+v", res)
	}
	res = r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "talk", Params: map[string]any{"text": "hello"},
	})
	if !res.Success || res.Message != "Aye, the tide waits for no one." {
		t.Fatalf("talk: %+v", res)
	}
	if res.Metadata["npc_id"] != "ferryman" {
		t.Fatalf("metadata missing npc: %+v", res.Metadata)
	}
}

func TestSnapshot_MergesBlueprints(t *testing.T) {
	r := newRig(t, nil)
	r.bootstrap(t, "alice")

	snap, err := r.eng.Snapshot(context.Background(), env("alice"))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != 1 || snap.PlayerVersion != 1 {
		t.Fatalf("versions %d/%d, want 1/1", snap.Version, snap.PlayerVersion)
	}
	item, ok := state.ItemAt(snap.World,
		state.Location{ZoneID: "harbor", AreaID: "docks", SpotID: "pier"}, "lantern_1")
	if !ok {
		t.Fatalf("lantern missing from snapshot")
	}
	if item["name"] != "Brass Lantern" {
		t.Fatalf("blueprint not merged into snapshot item: %+v", item)
	}
	if item["description"] != "A dented brass lantern." {
		t.Fatalf("blueprint description missing: %+v", item)
	}
}

func TestBootstrap_Idempotent(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	if err := r.eng.Bootstrap(ctx, env("alice")); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if res := r.eng.Dispatch(ctx, env("alice"), Action{
		Name: "collect", Params: map[string]any{"instance_id": "lantern_1"},
	}); !res.Success {
		t.Fatalf("collect: %+v", res)
	}

	// Reconnect must not rebuild documents and lose the collected item.
	if err := r.eng.Bootstrap(ctx, env("alice")); err != nil {
		t.Fatalf("re-bootstrap: %v", err)
	}
	player, _ := r.playerDoc(t, "alice")
	if _, ok := state.InventoryItem(player, "lantern_1"); !ok {
		t.Fatalf("bootstrap reset the player view")
	}
	if v := r.worldVersion(t); v != 2 {
		t.Fatalf("bootstrap reset the world: version=%d", v)
	}
}
