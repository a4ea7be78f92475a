package state

// Typed accessors over the JSON-shaped document trees. Handlers and the admin
// subsystem read through these; all writes still go through ApplyPatch.

type Location struct {
	ZoneID string `json:"zone_id" yaml:"zone_id"`
	AreaID string `json:"area_id" yaml:"area_id"`
	SpotID string `json:"spot_id" yaml:"spot_id"`
}

func (l Location) IsZero() bool { return l.ZoneID == "" && l.AreaID == "" && l.SpotID == "" }

func getMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// Zone returns zones[zoneID].
func Zone(doc map[string]any, zoneID string) (map[string]any, bool) {
	zones, ok := getMap(doc, "zones")
	if !ok {
		return nil, false
	}
	return getMap(zones, zoneID)
}

func Area(doc map[string]any, zoneID, areaID string) (map[string]any, bool) {
	zone, ok := Zone(doc, zoneID)
	if !ok {
		return nil, false
	}
	areas, ok := getMap(zone, "areas")
	if !ok {
		return nil, false
	}
	return getMap(areas, areaID)
}

func Spot(doc map[string]any, loc Location) (map[string]any, bool) {
	area, ok := Area(doc, loc.ZoneID, loc.AreaID)
	if !ok {
		return nil, false
	}
	spots, ok := getMap(area, "spots")
	if !ok {
		return nil, false
	}
	return getMap(spots, loc.SpotID)
}

// SpotItems returns the item list of a spot (possibly nil).
func SpotItems(spot map[string]any) []any {
	items, _ := spot["items"].([]any)
	return items
}

// ItemAt finds an item instance at a location.
func ItemAt(doc map[string]any, loc Location, instanceID string) (map[string]any, bool) {
	spot, ok := Spot(doc, loc)
	if !ok {
		return nil, false
	}
	return findItem(SpotItems(spot), instanceID)
}

// FindItem scans the whole world for an item instance, returning where it is.
// Used for corrective hints when a player targets something out of reach.
func FindItem(doc map[string]any, instanceID string) (Location, map[string]any, bool) {
	zones, ok := getMap(doc, "zones")
	if !ok {
		return Location{}, nil, false
	}
	for zoneID, zv := range zones {
		zone, ok := zv.(map[string]any)
		if !ok {
			continue
		}
		areas, _ := getMap(zone, "areas")
		for areaID, av := range areas {
			area, ok := av.(map[string]any)
			if !ok {
				continue
			}
			spots, _ := getMap(area, "spots")
			for spotID, sv := range spots {
				spot, ok := sv.(map[string]any)
				if !ok {
					continue
				}
				if item, ok := findItem(SpotItems(spot), instanceID); ok {
					return Location{ZoneID: zoneID, AreaID: areaID, SpotID: spotID}, item, true
				}
			}
		}
	}
	return Location{}, nil, false
}

func findItem(items []any, instanceID string) (map[string]any, bool) {
	for _, v := range items {
		item, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if getString(item, "instance_id") == instanceID {
			return item, true
		}
	}
	return nil, false
}

func ItemInstanceID(item map[string]any) string  { return getString(item, "instance_id") }
func ItemTemplateID(item map[string]any) string  { return getString(item, "template_id") }
func ItemCollectible(item map[string]any) bool   { return getBool(item, "collectible", false) }
func ItemVisible(item map[string]any) bool       { return getBool(item, "visible", true) }
func SpotNPC(spot map[string]any) map[string]any { m, _ := getMap(spot, "npc"); return m }

// ZoneLinks returns the ids of zones connected to zoneID.
func ZoneLinks(doc map[string]any, zoneID string) []string {
	zone, ok := Zone(doc, zoneID)
	if !ok {
		return nil
	}
	raw, _ := zone["links"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// CascadeCount reports how many areas, spots, and items sit under a zone.
// The admin delete dry-run surfaces this before asking for confirmation.
func CascadeCount(doc map[string]any, zoneID string) (areas, spots, items int) {
	zone, ok := Zone(doc, zoneID)
	if !ok {
		return 0, 0, 0
	}
	am, _ := getMap(zone, "areas")
	for _, av := range am {
		area, ok := av.(map[string]any)
		if !ok {
			continue
		}
		areas++
		sm, _ := getMap(area, "spots")
		for _, sv := range sm {
			spot, ok := sv.(map[string]any)
			if !ok {
				continue
			}
			spots++
			items += len(SpotItems(spot))
		}
	}
	return areas, spots, items
}

// PlayerLocation reads the current location out of a player view document.
func PlayerLocation(playerDoc map[string]any) Location {
	loc, ok := getMap(playerDoc, "location")
	if !ok {
		return Location{}
	}
	return Location{
		ZoneID: getString(loc, "zone_id"),
		AreaID: getString(loc, "area_id"),
		SpotID: getString(loc, "spot_id"),
	}
}

// InventoryItems returns the player's inventory list (possibly nil).
func InventoryItems(playerDoc map[string]any) []any {
	items, _ := playerDoc["inventory"].([]any)
	return items
}

func InventoryItem(playerDoc map[string]any, instanceID string) (map[string]any, bool) {
	return findItem(InventoryItems(playerDoc), instanceID)
}

// Quests returns the quest map of a player view document.
func Quests(playerDoc map[string]any) map[string]any {
	q, _ := getMap(playerDoc, "quests")
	return q
}
