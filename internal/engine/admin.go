package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"tessera.world/internal/protocol"
	"tessera.world/internal/state"
)

// Admin command subsystem: a second-level dispatcher for privileged,
// prefix-marked commands. Mutations go through the same ApplyPatch contract
// as player handlers, so they version and publish identically, plus an audit
// stamp on the touched object and an entry in the audit log.

// confirmToken must be the literal last argument of a destructive verb.
const confirmToken = "confirm"

func (e *Engine) dispatchAdmin(ctx context.Context, env Env, act Action) CommandResult {
	if !e.isAdmin(env.UserID) {
		return failf(protocol.ErrNoPermission, "You are not an admin.")
	}

	verb, args := parseAdminCommand(e.adminPrefix, act)
	res := e.runAdminVerb(ctx, env, verb, args)

	if e.audit != nil && verb != "examine" && verb != "where" {
		entry := AuditEntry{
			Time:         time.Now().UTC(),
			ExperienceID: env.ExperienceID,
			Actor:        env.UserID,
			Verb:         verb,
			Args:         args,
			Success:      res.Success,
			Message:      res.Message,
		}
		if err := e.audit.WriteAudit(entry); err != nil {
			e.log.WithError(err).Warn("audit write failed")
		}
	}
	return res
}

// parseAdminCommand accepts both "/delete zone Z1 confirm" in the action
// name and "/delete" with params.args — clients do both.
func parseAdminCommand(prefix string, act Action) (verb string, args []string) {
	rest := strings.TrimPrefix(act.Name, prefix)
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		verb = fields[0]
		args = fields[1:]
	}
	if raw, ok := act.Params["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	return verb, args
}

func (e *Engine) runAdminVerb(ctx context.Context, env Env, verb string, args []string) CommandResult {
	switch verb {
	case "examine":
		return e.adminExamine(ctx, env, args)
	case "where":
		return e.adminWhere(ctx, env, args)
	case "edit":
		return e.adminEdit(ctx, env, args)
	case "create":
		return e.adminCreate(ctx, env, args)
	case "connect":
		return e.adminConnect(ctx, env, args, true)
	case "disconnect":
		return e.adminConnect(ctx, env, args, false)
	case "delete":
		return e.adminDelete(ctx, env, args)
	case "reset":
		return e.adminReset(ctx, env, args)
	case "":
		return failf(protocol.ErrValidation, "Empty admin command.")
	default:
		return failf(protocol.ErrValidation, "Unknown admin command %q.", verb)
	}
}

func (e *Engine) auditStamp(env Env) map[string]any {
	return map[string]any{
		"changed_by": env.UserID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func confirmed(args []string) (rest []string, ok bool) {
	if n := len(args); n > 0 && args[n-1] == confirmToken {
		return args[:n-1], true
	}
	return args, false
}

// adminExamine dumps the object at a dotted document path, e.g.
// "/examine zones.cavern.areas.gate".
func (e *Engine) adminExamine(ctx context.Context, env Env, args []string) CommandResult {
	world, version, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	if len(args) == 0 {
		return okf("World document at version %d.", version).
			withMeta("version", version).withMeta("object", world)
	}
	node, ok := lookupPath(world, strings.Split(args[0], "."))
	if !ok {
		return failf(protocol.ErrNotFound, "Nothing at %q.", args[0])
	}
	return okf("Object at %q.", args[0]).withMeta("version", version).withMeta("object", node)
}

func (e *Engine) adminWhere(ctx context.Context, env Env, args []string) CommandResult {
	if len(args) != 1 {
		return failf(protocol.ErrValidation, "Usage: where <user_id>.")
	}
	doc, _, err := e.store.Read(ctx, state.PlayerRef(env.ExperienceID, args[0]))
	if err != nil {
		return failf(protocol.ErrNotFound, "No player %q here.", args[0])
	}
	loc := state.PlayerLocation(doc)
	return okf("%s is at %s/%s/%s.", args[0], loc.ZoneID, loc.AreaID, loc.SpotID).
		withMeta("location", loc)
}

// adminEdit replaces one field: "/edit zones.cavern.name The Deep Cavern".
func (e *Engine) adminEdit(ctx context.Context, env Env, args []string) CommandResult {
	if len(args) < 2 {
		return failf(protocol.ErrValidation, "Usage: edit <dotted.path> <value>.")
	}
	segments := strings.Split(args[0], ".")
	if len(segments) < 2 {
		return failf(protocol.ErrValidation, "Edit path must reach into an object.")
	}
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	if _, ok := lookupPath(world, segments[:len(segments)-1]); !ok {
		return failf(protocol.ErrNotFound, "Nothing at %q.", strings.Join(segments[:len(segments)-1], "."))
	}

	value := strings.Join(args[1:], " ")
	// Accept JSON literals (numbers, bools, objects); bare words stay strings.
	var parsed any = value
	var tmp any
	if err := json.Unmarshal([]byte(value), &tmp); err == nil {
		parsed = tmp
	}
	field := segments[len(segments)-1]
	patch := nestedPatch(segments[:len(segments)-1], map[string]any{
		field:   parsed,
		"audit": e.auditStamp(env),
	})
	_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
	if fail != nil {
		return *fail
	}
	res := okf("Set %s = %q.", args[0], value)
	res.Changes = changes
	return res
}

func (e *Engine) adminCreate(ctx context.Context, env Env, args []string) CommandResult {
	if len(args) < 2 {
		return failf(protocol.ErrValidation, "Usage: create zone|area|spot|item <args>.")
	}
	kind, rest := args[0], args[1:]
	stamp := e.auditStamp(env)

	var patch map[string]any
	var made string
	switch kind {
	case "zone":
		id := rest[0]
		patch = map[string]any{"zones": map[string]any{id: map[string]any{
			"zone_id": id,
			"name":    nameOr(rest[1:], id),
			"links":   []any{},
			"areas":   map[string]any{},
			"audit":   stamp,
		}}}
		made = "zone " + id
	case "area":
		if len(rest) < 2 {
			return failf(protocol.ErrValidation, "Usage: create area <zone_id> <area_id> [name].")
		}
		zone, id := rest[0], rest[1]
		patch = nestedPatch([]string{"zones", zone, "areas"}, map[string]any{id: map[string]any{
			"area_id": id,
			"name":    nameOr(rest[2:], id),
			"spots":   map[string]any{},
			"audit":   stamp,
		}})
		made = "area " + id
	case "spot":
		if len(rest) < 3 {
			return failf(protocol.ErrValidation, "Usage: create spot <zone_id> <area_id> <spot_id> [name].")
		}
		zone, area, id := rest[0], rest[1], rest[2]
		patch = nestedPatch([]string{"zones", zone, "areas", area, "spots"}, map[string]any{id: map[string]any{
			"spot_id": id,
			"name":    nameOr(rest[3:], id),
			"items":   []any{},
			"audit":   stamp,
		}})
		made = "spot " + id
	case "item":
		if len(rest) < 4 {
			return failf(protocol.ErrValidation, "Usage: create item <zone_id> <area_id> <spot_id> <template_id>.")
		}
		loc := state.Location{ZoneID: rest[0], AreaID: rest[1], SpotID: rest[2]}
		templateID := rest[3]
		if _, ok := e.template.Blueprint(templateID); !ok {
			return failf(protocol.ErrValidation, "No blueprint %q.", templateID)
		}
		instanceID := uuid.NewString()
		patch = itemPatchAt(loc, "$append", map[string]any{
			"instance_id": instanceID,
			"template_id": templateID,
			"audit":       stamp,
		})
		made = "item " + instanceID
	default:
		return failf(protocol.ErrValidation, "Cannot create %q.", kind)
	}

	// Creating under a missing parent must not invent the parent chain.
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	if err := checkParentExists(world, kind, rest); err != "" {
		return failf(protocol.ErrNotFound, "%s", err)
	}

	_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
	if fail != nil {
		return *fail
	}
	res := okf("Created %s.", made)
	res.Changes = changes
	return res
}

// adminConnect rewrites the link lists of both zones in a single patch, so
// the edge appears (or disappears) atomically with one version bump.
func (e *Engine) adminConnect(ctx context.Context, env Env, args []string, connect bool) CommandResult {
	if len(args) != 2 {
		return failf(protocol.ErrValidation, "Usage: %s <zone_id> <zone_id>.", verbName(connect))
	}
	a, b := args[0], args[1]
	if a == b {
		return failf(protocol.ErrValidation, "A zone cannot link to itself.")
	}
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}
	for _, id := range []string{a, b} {
		if _, ok := state.Zone(world, id); !ok {
			return failf(protocol.ErrNotFound, "No zone %q.", id)
		}
	}

	linksA := editLinks(state.ZoneLinks(world, a), b, connect)
	linksB := editLinks(state.ZoneLinks(world, b), a, connect)
	stamp := e.auditStamp(env)
	patch := map[string]any{"zones": map[string]any{
		a: map[string]any{"links": linksA, "audit": stamp},
		b: map[string]any{"links": linksB, "audit": stamp},
	}}
	_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
	if fail != nil {
		return *fail
	}
	word := "connected"
	if !connect {
		word = "disconnected"
	}
	res := okf("Zones %s and %s are now %s.", a, b, word)
	res.Changes = changes
	return res
}

func (e *Engine) adminDelete(ctx context.Context, env Env, args []string) CommandResult {
	args, ok := confirmed(args)
	if len(args) < 2 {
		return failf(protocol.ErrValidation, "Usage: delete zone <zone_id> [%s] | delete item <instance_id> [%s].", confirmToken, confirmToken)
	}
	kind, id := args[0], args[1]
	world, _, fail := e.readWorld(ctx, env)
	if fail != nil {
		return *fail
	}

	switch kind {
	case "zone":
		if _, found := state.Zone(world, id); !found {
			return failf(protocol.ErrNotFound, "No zone %q.", id)
		}
		areas, spots, items := state.CascadeCount(world, id)
		if !ok {
			return CommandResult{
				Success: false,
				Message: fmt.Sprintf("Deleting zone %s would remove %d areas, %d spots, and %d items. Append %q to proceed.",
					id, areas, spots, items, confirmToken),
				Metadata: map[string]any{"dry_run": true, "areas": areas, "spots": spots, "items": items},
			}
		}
		zones, _ := world["zones"].(map[string]any)
		zonesPatch := map[string]any{id: nil}
		for zid := range zones {
			if zid == id {
				continue
			}
			for _, l := range state.ZoneLinks(world, zid) {
				if l == id {
					zonesPatch[zid] = map[string]any{"links": editLinks(state.ZoneLinks(world, zid), id, false)}
					break
				}
			}
		}
		patch := map[string]any{"zones": zonesPatch, "audit": e.auditStamp(env)}
		_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
		if fail != nil {
			return *fail
		}
		res := okf("Deleted zone %s (%d areas, %d spots, %d items).", id, areas, spots, items)
		res.Changes = changes
		return res

	case "item":
		loc, _, found := state.FindItem(world, id)
		if !found {
			return failf(protocol.ErrNotFound, "No item %q in the world.", id)
		}
		if !ok {
			return CommandResult{
				Success:  false,
				Message:  fmt.Sprintf("Deleting item %s at %s/%s/%s. Append %q to proceed.", id, loc.ZoneID, loc.AreaID, loc.SpotID, confirmToken),
				Metadata: map[string]any{"dry_run": true, "location": loc},
			}
		}
		patch := itemPatchAt(loc, "$remove", map[string]any{"instance_id": id})
		_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
		if fail != nil {
			return *fail
		}
		res := okf("Deleted item %s.", id)
		res.Changes = changes
		return res

	default:
		return failf(protocol.ErrValidation, "Cannot delete %q.", kind)
	}
}

// adminReset rebuilds the world tree from the experience template. The reset
// is one replace operation, so versioning and publication behave like any
// other write — clients see a single update and resync from it.
func (e *Engine) adminReset(ctx context.Context, env Env, args []string) CommandResult {
	if _, ok := confirmed(args); !ok {
		return CommandResult{
			Success:  false,
			Message:  fmt.Sprintf("Reset rebuilds the whole world from its template. Append %q to proceed.", confirmToken),
			Metadata: map[string]any{"dry_run": true},
		}
	}
	fresh := e.template.BuildWorldDoc()
	patch := map[string]any{"zones": map[string]any{"$set": fresh["zones"]}, "audit": e.auditStamp(env)}
	_, changes, fail := e.applyAndPublishRef(ctx, env, e.worldRef(env), protocol.DocumentWorld, patch)
	if fail != nil {
		return *fail
	}
	res := okf("World reset from template.")
	res.Changes = changes
	return res
}

func lookupPath(node map[string]any, segments []string) (any, bool) {
	var cur any = node
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// nestedPatch wraps leaf under the given path of map keys.
func nestedPatch(path []string, leaf map[string]any) map[string]any {
	out := leaf
	for i := len(path) - 1; i >= 0; i-- {
		out = map[string]any{path[i]: out}
	}
	return out
}

func nameOr(args []string, def string) string {
	if len(args) == 0 {
		return def
	}
	return strings.Join(args, " ")
}

func editLinks(links []string, id string, add bool) []any {
	out := make([]any, 0, len(links)+1)
	for _, l := range links {
		if l == id {
			continue
		}
		out = append(out, l)
	}
	if add {
		out = append(out, id)
	}
	return out
}

func verbName(connect bool) string {
	if connect {
		return "connect"
	}
	return "disconnect"
}

func checkParentExists(world map[string]any, kind string, rest []string) string {
	switch kind {
	case "area":
		if _, ok := state.Zone(world, rest[0]); !ok {
			return fmt.Sprintf("No zone %q.", rest[0])
		}
	case "spot":
		if _, ok := state.Area(world, rest[0], rest[1]); !ok {
			return fmt.Sprintf("No area %s/%s.", rest[0], rest[1])
		}
	case "item":
		loc := state.Location{ZoneID: rest[0], AreaID: rest[1], SpotID: rest[2]}
		if _, ok := state.Spot(world, loc); !ok {
			return fmt.Sprintf("No spot %s/%s/%s.", rest[0], rest[1], rest[2])
		}
	}
	return ""
}
