// Package engine routes incoming actions to one of three execution paths —
// admin subsystem, deterministic handler, or generative fallback — and owns
// the handlers that read and write the versioned state store.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tessera.world/internal/protocol"
	"tessera.world/internal/state"
)

// Env identifies who an action runs on behalf of.
type Env struct {
	UserID       string
	ExperienceID string
	ConnID       string
}

// Action is a parsed action descriptor.
type Action struct {
	Name   string
	Params map[string]any
}

// HandlerFunc is the contract for one deterministic player action.
type HandlerFunc func(ctx context.Context, env Env, act Action) CommandResult

// AuditEntry records one admin mutation for the audit log.
type AuditEntry struct {
	Time         time.Time `json:"time"`
	ExperienceID string    `json:"experience_id"`
	Actor        string    `json:"actor"`
	Verb         string    `json:"verb"`
	Args         []string  `json:"args,omitempty"`
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
}

// AuditSink persists audit entries. Write failures are logged, never fatal.
type AuditSink interface {
	WriteAudit(AuditEntry) error
}

type Config struct {
	AdminPrefix string
	Admins      []string
}

type Engine struct {
	store    *state.Store
	template *state.Template
	pub      *Publisher
	narrator Narrator
	audit    AuditSink
	log      *logrus.Entry

	adminPrefix string
	admins      map[string]struct{}
	handlers    map[string]HandlerFunc
}

func New(cfg Config, store *state.Store, template *state.Template, pub *Publisher, narrator Narrator, audit AuditSink, log *logrus.Entry) *Engine {
	prefix := cfg.AdminPrefix
	if prefix == "" {
		prefix = "/"
	}
	e := &Engine{
		store:       store,
		template:    template,
		pub:         pub,
		narrator:    narrator,
		audit:       audit,
		log:         log,
		adminPrefix: prefix,
		admins:      make(map[string]struct{}, len(cfg.Admins)),
	}
	for _, a := range cfg.Admins {
		e.admins[a] = struct{}{}
	}
	e.handlers = map[string]HandlerFunc{
		"collect":   e.handleCollect,
		"drop":      e.handleDrop,
		"use":       e.handleUse,
		"give":      e.handleGive,
		"move":      e.handleMove,
		"examine":   e.handleExamine,
		"inventory": e.handleInventory,
		"quests":    e.handleQuests,
		"talk":      e.handleTalk,
	}
	return e
}

// Dispatch classifies an action and runs it. Priority is fixed: admin prefix
// wins over a registered handler, a registered handler wins over the
// fallback. Nothing a client sends may escape as a panic or transport error.
func (e *Engine) Dispatch(ctx context.Context, env Env, act Action) (res CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"user_id": env.UserID,
				"action":  act.Name,
				"panic":   r,
			}).Error("handler panic recovered")
			res = failf(protocol.ErrInternal, "Something went wrong handling %q.", act.Name)
		}
	}()

	if act.Name == "" {
		return failf(protocol.ErrValidation, "Empty action.")
	}
	if strings.HasPrefix(act.Name, e.adminPrefix) {
		return e.dispatchAdmin(ctx, env, act)
	}
	if h, ok := e.handlers[act.Name]; ok {
		return h(ctx, env, act)
	}
	return e.generate(ctx, env, act)
}

// HasHandler reports whether name resolves to a deterministic handler.
func (e *Engine) HasHandler(name string) bool {
	_, ok := e.handlers[name]
	return ok
}

func (e *Engine) isAdmin(userID string) bool {
	_, ok := e.admins[userID]
	return ok
}

func (e *Engine) worldRef(env Env) state.DocRef {
	return state.WorldRef(env.ExperienceID, env.UserID, e.template.Isolated())
}

func (e *Engine) playerRef(env Env) state.DocRef {
	return state.PlayerRef(env.ExperienceID, env.UserID)
}

// Bootstrap makes sure the user's documents exist, building them from the
// experience template on first contact. Idempotent across reconnects.
func (e *Engine) Bootstrap(ctx context.Context, env Env) error {
	if _, _, err := e.store.Ensure(ctx, e.worldRef(env), e.template.BuildWorldDoc); err != nil {
		return err
	}
	if _, _, err := e.store.Ensure(ctx, e.playerRef(env), func() map[string]any {
		return e.template.BuildPlayerDoc(env.UserID)
	}); err != nil {
		return err
	}
	return nil
}

// Snapshot builds the full-state message for a user, with item blueprints
// merged in at read time.
func (e *Engine) Snapshot(ctx context.Context, env Env) (protocol.SnapshotMsg, error) {
	world, worldVer, err := e.store.Read(ctx, e.worldRef(env))
	if err != nil {
		return protocol.SnapshotMsg{}, err
	}
	player, playerVer, err := e.store.Read(ctx, e.playerRef(env))
	if err != nil {
		return protocol.SnapshotMsg{}, err
	}
	e.mergeWorldBlueprints(world)
	e.mergeInventoryBlueprints(player)
	return protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		ExperienceID:    env.ExperienceID,
		UserID:          env.UserID,
		Version:         worldVer,
		PlayerVersion:   playerVer,
		World:           world,
		PlayerView:      player,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (e *Engine) mergeWorldBlueprints(world map[string]any) {
	zones, _ := world["zones"].(map[string]any)
	for _, zv := range zones {
		zone, _ := zv.(map[string]any)
		areas, _ := zone["areas"].(map[string]any)
		for _, av := range areas {
			area, _ := av.(map[string]any)
			spots, _ := area["spots"].(map[string]any)
			for _, sv := range spots {
				spot, _ := sv.(map[string]any)
				items := state.SpotItems(spot)
				for i, it := range items {
					if im, ok := it.(map[string]any); ok {
						items[i] = e.template.MergeBlueprint(im)
					}
				}
			}
		}
	}
}

func (e *Engine) mergeInventoryBlueprints(player map[string]any) {
	items := state.InventoryItems(player)
	for i, it := range items {
		if im, ok := it.(map[string]any); ok {
			items[i] = e.template.MergeBlueprint(im)
		}
	}
}

// storeFail maps store errors onto the error taxonomy. Lock contention is a
// transient failure the client may retry; a stale base version means the
// client should resync.
func storeFail(err error) CommandResult {
	switch {
	case errors.Is(err, state.ErrLockTimeout):
		return failf(protocol.ErrLockTimeout, "The world is busy, try again.")
	case errors.Is(err, state.ErrVersionMismatch):
		return failf(protocol.ErrConflict, "State moved underneath you, resync and retry.")
	case errors.Is(err, state.ErrNotFound):
		return failf(protocol.ErrNotFound, "Nothing to act on here.")
	default:
		var pe *state.PatchError
		if errors.As(err, &pe) {
			return failf(protocol.ErrValidation, "Bad request: %s.", pe.Error())
		}
		return failf(protocol.ErrInternal, "Internal error.")
	}
}
