package state

import (
	"fmt"
	"reflect"
	"sort"

	"tessera.world/internal/protocol"
)

// Reserved keys marking list operations at a patch leaf. $set forces a
// wholesale replacement where plain maps would merge-recurse, and an explicit
// null deletes a map key (the RFC 7386 convention).
const (
	opAppend = "$append"
	opRemove = "$remove"
	opSet    = "$set"
)

// listKeyField is the unique field list entries are keyed by. $append
// replaces an existing entry with the same key instead of duplicating it,
// which keeps re-applied patches (resync windows) idempotent.
const listKeyField = "instance_id"

// PatchError marks a malformed patch. It never leaves a partially applied
// document behind: applyPatch validates while walking a working copy and the
// store only commits on success.
type PatchError struct{ msg string }

func (e *PatchError) Error() string { return e.msg }

func patchErrorf(format string, args ...any) error {
	return &PatchError{msg: fmt.Sprintf(format, args...)}
}

// applyPatch walks patch over doc, mutating doc, and returns one flat change
// record per terminal operation. Keys are visited in sorted order so the
// record list is deterministic for a given patch.
func applyPatch(doc, patch map[string]any) ([]protocol.ChangeRecord, error) {
	var changes []protocol.ChangeRecord
	if err := applyNode(doc, patch, nil, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func applyNode(node, patch map[string]any, path []string, out *[]protocol.ChangeRecord) error {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := patch[k]
		childPath := append(append([]string(nil), path...), k)

		if v == nil {
			delete(node, k)
			*out = append(*out, record(protocol.OpRemove, childPath, nil))
			continue
		}

		pm, isMap := v.(map[string]any)
		if isMap && hasListOps(pm) {
			if err := applyListOps(node, k, pm, childPath, out); err != nil {
				return err
			}
			continue
		}
		if isMap {
			if set, present := pm[opSet]; present {
				if len(pm) != 1 {
					return patchErrorf("patch %s: %s must stand alone", pathString(childPath), opSet)
				}
				_, exists := node[k]
				node[k] = DeepCopy(set)
				op := protocol.OpUpdate
				if !exists {
					op = protocol.OpAdd
				}
				*out = append(*out, record(op, childPath, set))
				continue
			}
		}

		existing, exists := node[k]
		if isMap {
			if em, ok := existing.(map[string]any); ok {
				if err := applyNode(em, pm, childPath, out); err != nil {
					return err
				}
				continue
			}
		}

		// Leaf: replace the scalar/object wholesale.
		node[k] = DeepCopy(v)
		op := protocol.OpUpdate
		if !exists {
			op = protocol.OpAdd
		}
		*out = append(*out, record(op, childPath, v))
	}
	return nil
}

func hasListOps(m map[string]any) bool {
	_, a := m[opAppend]
	_, r := m[opRemove]
	return a || r
}

func applyListOps(node map[string]any, key string, ops map[string]any, path []string, out *[]protocol.ChangeRecord) error {
	for k := range ops {
		if k != opAppend && k != opRemove {
			return patchErrorf("patch %s: %q cannot sit beside %s/%s", pathString(path), k, opAppend, opRemove)
		}
	}

	list, ok := node[key].([]any)
	if !ok && node[key] != nil {
		return patchErrorf("patch %s: target is not a list", pathString(path))
	}

	// Remove before append so a patch can move an entry in one leaf.
	if pred, present := ops[opRemove]; present {
		pm, ok := pred.(map[string]any)
		if !ok || len(pm) == 0 {
			return patchErrorf("patch %s: %s wants a key/value predicate", pathString(path), opRemove)
		}
		kept := list[:0]
		var removed any
		for _, entry := range list {
			if entryMatches(entry, pm) {
				removed = entry
				continue
			}
			kept = append(kept, entry)
		}
		list = kept
		rec := record(protocol.OpRemove, path, removed)
		if id, ok := pm[listKeyField].(string); ok {
			rec.InstanceID = id
		}
		*out = append(*out, rec)
	}

	if item, present := ops[opAppend]; present {
		im, ok := item.(map[string]any)
		if !ok {
			return patchErrorf("patch %s: %s wants an object", pathString(path), opAppend)
		}
		id, _ := im[listKeyField].(string)
		if id == "" {
			return patchErrorf("patch %s: %s entry has no %s", pathString(path), opAppend, listKeyField)
		}
		entry := DeepCopy(im)
		replaced := false
		for i, e := range list {
			if em, ok := e.(map[string]any); ok && em[listKeyField] == id {
				list[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, entry)
		}
		rec := record(protocol.OpAdd, path, im)
		rec.InstanceID = id
		*out = append(*out, rec)
	}

	node[key] = list
	return nil
}

func entryMatches(entry any, pred map[string]any) bool {
	em, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range pred {
		if !reflect.DeepEqual(em[k], want) {
			return false
		}
	}
	return true
}

// record builds a change record, lifting zone/area/spot ids out of the path
// when it follows the world document shape.
func record(op string, path []string, payload any) protocol.ChangeRecord {
	rec := protocol.ChangeRecord{
		Operation: op,
		Path:      append([]string(nil), path...),
		Payload:   DeepCopy(payload),
	}
	for i := 0; i+1 < len(path); i++ {
		switch path[i] {
		case "zones":
			rec.ZoneID = path[i+1]
		case "areas":
			rec.AreaID = path[i+1]
		case "spots":
			rec.SpotID = path[i+1]
		}
	}
	if rec.InstanceID == "" {
		if pm, ok := payload.(map[string]any); ok {
			if id, ok := pm[listKeyField].(string); ok {
				rec.InstanceID = id
			}
		}
	}
	return rec
}

func pathString(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
