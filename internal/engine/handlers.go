package engine

import (
	"context"
	"fmt"
	"strings"

	"tessera.world/internal/protocol"
	"tessera.world/internal/state"
)

// Deterministic handlers. Each validates its preconditions against current
// state and answers with a corrective hint on failure; only then does it
// write. Handlers that move an item between the world document and a player
// view perform the world write first, then the player write, and each write
// publishes its own event.

func stringParam(act Action, keys ...string) string {
	for _, k := range keys {
		if v, ok := act.Params[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (e *Engine) readPlayer(ctx context.Context, env Env) (map[string]any, int64, *CommandResult) {
	doc, ver, err := e.store.Read(ctx, e.playerRef(env))
	if err != nil {
		res := storeFail(err)
		return nil, 0, &res
	}
	return doc, ver, nil
}

func (e *Engine) readWorld(ctx context.Context, env Env) (map[string]any, int64, *CommandResult) {
	doc, ver, err := e.store.Read(ctx, e.worldRef(env))
	if err != nil {
		res := storeFail(err)
		return nil, 0, &res
	}
	return doc, ver, nil
}

// applyAndPublishRef runs one atomic patch and emits its world update event.
// Player-document events go to the document owner's topic (the recipient of
// a give may not be the actor); world-document events go to the acting user.
func (e *Engine) applyAndPublishRef(ctx context.Context, env Env, ref state.DocRef, document string, patch map[string]any) (int64, []protocol.ChangeRecord, *CommandResult) {
	_, newVersion, changes, err := e.store.ApplyPatch(ctx, ref, patch, 0)
	if err != nil {
		res := storeFail(err)
		return 0, nil, &res
	}
	eventUser := env.UserID
	if ref.Kind == state.KindPlayer {
		eventUser = ref.Owner
	}
	e.pub.Publish(env.ExperienceID, eventUser, document, newVersion-1, newVersion, changes)
	return newVersion, changes, nil
}

func itemPatchAt(loc state.Location, op string, value any) map[string]any {
	return map[string]any{
		"zones": map[string]any{
			loc.ZoneID: map[string]any{
				"areas": map[string]any{
					loc.AreaID: map[string]any{
						"spots": map[string]any{
							loc.SpotID: map[string]any{
								"items": map[string]any{op: value},
							},
						},
					},
				},
			},
		},
	}
}

func (e *Engine) itemName(item map[string]any) string {
	merged := e.template.MergeBlueprint(item)
	if n, ok := merged["name"].(string); ok && n != "" {
		return n
	}
	return state.ItemInstanceID(item)
}

func (e *Engine) handleCollect(ctx context.Context, env Env, act Action) CommandResult {
	id := stringParam(act, "instance_id", "item")
	if id == "" {
		return failf(protocol.ErrValidation, "collect needs an instance_id.")
	}
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	loc := state.PlayerLocation(player)
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}

	item, ok := state.ItemAt(world, loc, id)
	if !ok {
		if _, found := state.InventoryItem(player, id); found {
			return failf(protocol.ErrPrecondition, "You already carry that.")
		}
		if elsewhere, _, found := state.FindItem(world, id); found {
			return failf(protocol.ErrPrecondition, "That item is not here — look at %s/%s/%s.",
				elsewhere.ZoneID, elsewhere.AreaID, elsewhere.SpotID)
		}
		return failf(protocol.ErrPrecondition, "There is no such item here.")
	}
	merged := e.template.MergeBlueprint(item)
	if !state.ItemVisible(merged) {
		return failf(protocol.ErrPrecondition, "There is no such item here.")
	}
	if !state.ItemCollectible(merged) {
		return failf(protocol.ErrPrecondition, "The %s cannot be picked up.", e.itemName(item))
	}

	// World first, then player; each write publishes independently.
	worldRef := e.worldRef(env)
	_, worldChanges, fail := e.applyAndPublishRef(ctx, env, worldRef, protocol.DocumentWorld,
		itemPatchAt(loc, "$remove", map[string]any{"instance_id": id}))
	if fail != nil {
		return *fail
	}
	_, playerChanges, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
		map[string]any{"inventory": map[string]any{"$append": state.CopyDoc(item)}})
	if fail != nil {
		return *fail
	}

	res := okf("You pick up the %s.", e.itemName(item))
	res.Changes = append(worldChanges, playerChanges...)
	return res
}

func (e *Engine) handleDrop(ctx context.Context, env Env, act Action) CommandResult {
	id := stringParam(act, "instance_id", "item")
	if id == "" {
		return failf(protocol.ErrValidation, "drop needs an instance_id.")
	}
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	item, ok := state.InventoryItem(player, id)
	if !ok {
		return failf(protocol.ErrPrecondition, "You are not carrying that.")
	}
	loc := state.PlayerLocation(player)
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	if _, ok := state.Spot(world, loc); !ok {
		return failf(protocol.ErrPrecondition, "There is nowhere to drop it here.")
	}

	_, worldChanges, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld,
		itemPatchAt(loc, "$append", state.CopyDoc(item)))
	if fail != nil {
		return *fail
	}
	_, playerChanges, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
		map[string]any{"inventory": map[string]any{"$remove": map[string]any{"instance_id": id}}})
	if fail != nil {
		return *fail
	}

	res := okf("You drop the %s.", e.itemName(item))
	res.Changes = append(worldChanges, playerChanges...)
	return res
}

func (e *Engine) handleUse(ctx context.Context, env Env, act Action) CommandResult {
	id := stringParam(act, "instance_id", "item")
	if id == "" {
		return failf(protocol.ErrValidation, "use needs an instance_id.")
	}
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	item, ok := state.InventoryItem(player, id)
	if !ok {
		return failf(protocol.ErrPrecondition, "You are not carrying that.")
	}
	merged := e.template.MergeBlueprint(item)
	st, _ := merged["state"].(map[string]any)
	consumable, _ := st["consumable"].(bool)

	var patch map[string]any
	if consumable {
		patch = map[string]any{"inventory": map[string]any{"$remove": map[string]any{"instance_id": id}}}
	} else {
		used := state.CopyDoc(item)
		us, _ := used["state"].(map[string]any)
		if us == nil {
			us = map[string]any{}
		}
		us["used"] = true
		used["state"] = us
		patch = map[string]any{"inventory": map[string]any{"$append": used}}
	}
	_, changes, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer, patch)
	if fail != nil {
		return *fail
	}

	msg := fmt.Sprintf("You use the %s.", e.itemName(item))
	if um, ok := st["use_message"].(string); ok && um != "" {
		msg = um
	}
	res := okf("%s", msg)
	res.Changes = changes
	return res
}

func (e *Engine) handleGive(ctx context.Context, env Env, act Action) CommandResult {
	id := stringParam(act, "instance_id", "item")
	if id == "" {
		return failf(protocol.ErrValidation, "give needs an instance_id.")
	}
	toUser := stringParam(act, "to_user")
	toNPC := stringParam(act, "to_npc")
	if toUser == "" && toNPC == "" {
		return failf(protocol.ErrValidation, "give needs a to_user or to_npc.")
	}

	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	item, ok := state.InventoryItem(player, id)
	if !ok {
		return failf(protocol.ErrPrecondition, "You are not carrying that.")
	}

	if toNPC != "" {
		loc := state.PlayerLocation(player)
		world, _, fail := e.readWorld(ctx, env)
		if fail != nil {
			return *fail
		}
		spot, ok := state.Spot(world, loc)
		if !ok {
			return failf(protocol.ErrPrecondition, "There is nobody here.")
		}
		npc := state.SpotNPC(spot)
		if npc == nil || npc["npc_id"] != toNPC {
			return failf(protocol.ErrPrecondition, "%s is not here.", toNPC)
		}
		_, changes, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
			map[string]any{"inventory": map[string]any{"$remove": map[string]any{"instance_id": id}}})
		if fail != nil {
			return *fail
		}
		res := okf("You hand the %s to %s.", e.itemName(item), npc["name"])
		res.Changes = changes
		return res
	}

	// Player to player: the recipient must exist in this experience. Their
	// own view document is written and they get the event on their topic.
	targetRef := state.PlayerRef(env.ExperienceID, toUser)
	if _, _, err := e.store.Read(ctx, targetRef); err != nil {
		return failf(protocol.ErrPrecondition, "No player %q here.", toUser)
	}
	_, giverChanges, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
		map[string]any{"inventory": map[string]any{"$remove": map[string]any{"instance_id": id}}})
	if fail != nil {
		return *fail
	}
	_, _, fail = e.applyAndPublishRef(ctx, env, targetRef, protocol.DocumentPlayer,
		map[string]any{"inventory": map[string]any{"$append": state.CopyDoc(item)}})
	if fail != nil {
		return *fail
	}
	res := okf("You give the %s to %s.", e.itemName(item), toUser)
	res.Changes = giverChanges
	return res
}

func (e *Engine) handleMove(ctx context.Context, env Env, act Action) CommandResult {
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	cur := state.PlayerLocation(player)
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}

	target := state.Location{
		ZoneID: stringParam(act, "zone_id"),
		AreaID: stringParam(act, "area_id"),
		SpotID: stringParam(act, "spot_id"),
	}
	if target.ZoneID == "" {
		target.ZoneID = cur.ZoneID
	}
	if target.AreaID == "" {
		target.AreaID = cur.AreaID
	}
	if target.IsZero() || target.SpotID == "" {
		return failf(protocol.ErrValidation, "move needs a destination spot_id.")
	}

	if target.ZoneID != cur.ZoneID {
		linked := false
		for _, l := range state.ZoneLinks(world, cur.ZoneID) {
			if l == target.ZoneID {
				linked = true
				break
			}
		}
		if !linked {
			return failf(protocol.ErrPrecondition, "Zone %s is not reachable from %s.", target.ZoneID, cur.ZoneID)
		}
	}
	if _, ok := state.Spot(world, target); !ok {
		return failf(protocol.ErrPrecondition, "There is no spot %s/%s/%s.", target.ZoneID, target.AreaID, target.SpotID)
	}

	_, changes, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
		map[string]any{"location": map[string]any{
			"zone_id": target.ZoneID,
			"area_id": target.AreaID,
			"spot_id": target.SpotID,
		}})
	if fail != nil {
		return *fail
	}
	res := okf("You move to %s/%s/%s.", target.ZoneID, target.AreaID, target.SpotID)
	res.Changes = changes
	return res
}

func (e *Engine) handleExamine(ctx context.Context, env Env, act Action) CommandResult {
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	loc := state.PlayerLocation(player)
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}

	if id := stringParam(act, "instance_id", "item"); id != "" {
		item, ok := state.ItemAt(world, loc, id)
		if !ok {
			item, ok = state.InventoryItem(player, id)
		}
		if !ok {
			return failf(protocol.ErrPrecondition, "You see no such item.")
		}
		merged := e.template.MergeBlueprint(item)
		if !state.ItemVisible(merged) {
			return failf(protocol.ErrPrecondition, "You see no such item.")
		}
		desc, _ := merged["description"].(string)
		if desc == "" {
			desc = fmt.Sprintf("An unremarkable %s.", e.itemName(item))
		}
		return okf("%s", desc).withMeta("item", merged)
	}

	spot, ok := state.Spot(world, loc)
	if !ok {
		return failf(protocol.ErrPrecondition, "You are nowhere recognizable.")
	}
	var names []string
	visible := make([]any, 0)
	for _, it := range state.SpotItems(spot) {
		im, ok := it.(map[string]any)
		if !ok {
			continue
		}
		merged := e.template.MergeBlueprint(im)
		if !state.ItemVisible(merged) {
			continue
		}
		visible = append(visible, merged)
		names = append(names, e.itemName(im))
	}
	msg := fmt.Sprintf("You are at %s.", loc.SpotID)
	if n, ok := spot["name"].(string); ok && n != "" {
		msg = fmt.Sprintf("You are at %s.", n)
	}
	if len(names) > 0 {
		msg += " You see: " + strings.Join(names, ", ") + "."
	}
	res := okf("%s", msg).withMeta("items", visible)
	if npc := state.SpotNPC(spot); npc != nil {
		res.Message = fmt.Sprintf("%s %s is here.", res.Message, npc["name"])
		res = res.withMeta("npc", npc)
	}
	return res
}

func (e *Engine) handleInventory(ctx context.Context, env Env, act Action) CommandResult {
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	items := state.InventoryItems(player)
	merged := make([]any, 0, len(items))
	var names []string
	for _, it := range items {
		if im, ok := it.(map[string]any); ok {
			merged = append(merged, e.template.MergeBlueprint(im))
			names = append(names, e.itemName(im))
		}
	}
	if len(names) == 0 {
		return okf("You carry nothing.").withMeta("inventory", merged)
	}
	return okf("You carry: %s.", strings.Join(names, ", ")).withMeta("inventory", merged)
}

func (e *Engine) handleQuests(ctx context.Context, env Env, act Action) CommandResult {
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	quests := state.Quests(player)

	questID := stringParam(act, "quest_id")
	op := stringParam(act, "op")
	if questID == "" {
		return okf("You have %d quests.", len(quests)).withMeta("quests", quests)
	}
	q, ok := quests[questID].(map[string]any)
	if !ok {
		return failf(protocol.ErrPrecondition, "No quest %q.", questID)
	}
	status, _ := q["status"].(string)

	var next string
	switch op {
	case "accept":
		if status != state.QuestOffered {
			return failf(protocol.ErrPrecondition, "Quest %q is %s, not offered.", questID, status)
		}
		next = state.QuestActive
	case "complete":
		if status != state.QuestActive {
			return failf(protocol.ErrPrecondition, "Quest %q is %s, not active.", questID, status)
		}
		next = state.QuestCompleted
	case "abandon":
		if status != state.QuestActive {
			return failf(protocol.ErrPrecondition, "Quest %q is %s, not active.", questID, status)
		}
		next = state.QuestFailed
	case "":
		return okf("Quest %q is %s.", questID, status).withMeta("quest", q)
	default:
		return failf(protocol.ErrValidation, "Unknown quest op %q.", op)
	}

	_, changes, fail := e.applyAndPublishRef(ctx, env, e.playerRef(env), protocol.DocumentPlayer,
		map[string]any{"quests": map[string]any{questID: map[string]any{"status": next}}})
	if fail != nil {
		return *fail
	}
	res := okf("Quest %q is now %s.", questID, next)
	res.Changes = changes
	return res
}

func (e *Engine) handleTalk(ctx context.Context, env Env, act Action) CommandResult {
	text := stringParam(act, "text", "say")
	if text == "" {
		return failf(protocol.ErrValidation, "talk needs text.")
	}
	player, _, fail := e.readPlayer(ctx, env)
	if fail != nil {
		return *fail
	}
	loc := state.PlayerLocation(player)
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	spot, ok := state.Spot(world, loc)
	if !ok {
		return failf(protocol.ErrPrecondition, "There is nobody to talk to.")
	}
	npc := state.SpotNPC(spot)
	if npc == nil {
		return failf(protocol.ErrPrecondition, "There is nobody to talk to.")
	}
	if want := stringParam(act, "npc_id"); want != "" && npc["npc_id"] != want {
		return failf(protocol.ErrPrecondition, "%s is not here.", want)
	}
	if e.narrator == nil {
		return failf(protocol.ErrPrecondition, "%s has nothing to say.", npc["name"])
	}

	persona, _ := npc["persona"].(string)
	prompt := fmt.Sprintf("The player says to you: %q. Answer in character, briefly.", text)
	tctx, cancel := context.WithTimeout(ctx, narratorTimeout)
	defer cancel()
	reply, err := e.narrator.Generate(tctx, prompt, persona)
	if err != nil {
		e.log.WithError(err).Warn("npc talk narrator call failed")
		return failf(protocol.ErrInternal, "%s stays silent.", npc["name"])
	}
	return okf("%s", reply).withMeta("npc_id", npc["npc_id"]).withMeta("path", "generative")
}
