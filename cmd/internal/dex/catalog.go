// Package dex is the reference-data collaborator: the combatant and action catalog, and the
// pure numeric formulas (damage, type effectiveness, STAB) the turn arbiter consumes.
package dex

import (
	"context"
	"fmt"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
)

// Catalog looks up reference data. Implementations may be remote; callers pass a context.
type Catalog interface {
	// Combatant returns a fresh battle snapshot: full health, every action at max uses.
	Combatant(ctx context.Context, id string) (battle.Combatant, error)
	Action(ctx context.Context, id string) (battle.Action, error)
	Combatants(ctx context.Context) ([]battle.Combatant, error)
	Actions(ctx context.Context) ([]battle.Action, error)
}

type species struct {
	id    string
	name  string
	types []string
	stats battle.Stats
	extra []string
}

var builtinActions = []battle.Action{
	{ID: "tackle", Name: "Tackle", Kind: battle.KindDamage, Type: "normal", Category: battle.Physical, Power: 40, Accuracy: 100, MaxUses: 35},
	{ID: "thunderbolt", Name: "Thunderbolt", Kind: battle.KindDamage, Type: "electric", Category: battle.Special, Power: 90, Accuracy: 100, MaxUses: 15},
	{ID: "flamethrower", Name: "Flamethrower", Kind: battle.KindDamage, Type: "fire", Category: battle.Special, Power: 90, Accuracy: 100, MaxUses: 15},
	{ID: "water-gun", Name: "Water Gun", Kind: battle.KindDamage, Type: "water", Category: battle.Special, Power: 40, Accuracy: 100, MaxUses: 25},
	{ID: "razor-leaf", Name: "Razor Leaf", Kind: battle.KindDamage, Type: "grass", Category: battle.Physical, Power: 55, Accuracy: 95, MaxUses: 25},
	{ID: "shadow-ball", Name: "Shadow Ball", Kind: battle.KindDamage, Type: "ghost", Category: battle.Special, Power: 80, Accuracy: 100, MaxUses: 15},
	{ID: "dragon-claw", Name: "Dragon Claw", Kind: battle.KindDamage, Type: "dragon", Category: battle.Physical, Power: 80, Accuracy: 100, MaxUses: 15},
	{ID: "hyper-beam", Name: "Hyper Beam", Kind: battle.KindDamage, Type: "normal", Category: battle.Special, Power: 150, Accuracy: 90, MaxUses: 5},
	{ID: "bite", Name: "Bite", Kind: battle.KindDamage, Type: "dark", Category: battle.Physical, Power: 60, Accuracy: 100, MaxUses: 25},
	{ID: "quick-attack", Name: "Quick Attack", Kind: battle.KindDamage, Type: "normal", Category: battle.Physical, Power: 40, Accuracy: 100, MaxUses: 30, Priority: 1},
	{ID: "growl", Name: "Growl", Kind: battle.KindDebuff, Type: "normal", Category: battle.Status, Accuracy: 100, MaxUses: 40, Stat: battle.StatAttack, Stages: -1},
	{ID: "harden", Name: "Harden", Kind: battle.KindBuff, Type: "normal", Category: battle.Status, Accuracy: 100, MaxUses: 30, Stat: battle.StatDefense, Stages: 1},
}

var builtinSpecies = []species{
	{id: "25", name: "Pikachu", types: []string{"electric"}, stats: battle.Stats{MaxHP: 100, Attack: 85, Defense: 80, Speed: 90, SpecialAttack: 90, SpecialDefense: 80}, extra: []string{"quick-attack"}},
	{id: "6", name: "Charizard", types: []string{"fire", "flying"}, stats: battle.Stats{MaxHP: 120, Attack: 95, Defense: 85, Speed: 80, SpecialAttack: 110, SpecialDefense: 85}},
	{id: "1", name: "Bulbasaur", types: []string{"grass", "poison"}, stats: battle.Stats{MaxHP: 110, Attack: 80, Defense: 90, Speed: 70, SpecialAttack: 85, SpecialDefense: 90}},
	{id: "7", name: "Squirtle", types: []string{"water"}, stats: battle.Stats{MaxHP: 100, Attack: 75, Defense: 95, Speed: 75, SpecialAttack: 85, SpecialDefense: 105}, extra: []string{"harden"}},
	{id: "133", name: "Eevee", types: []string{"normal"}, stats: battle.Stats{MaxHP: 95, Attack: 80, Defense: 85, Speed: 85, SpecialAttack: 80, SpecialDefense: 90}, extra: []string{"bite"}},
	{id: "94", name: "Gengar", types: []string{"ghost", "poison"}, stats: battle.Stats{MaxHP: 90, Attack: 95, Defense: 80, Speed: 110, SpecialAttack: 120, SpecialDefense: 80}, extra: []string{"shadow-ball"}},
	{id: "149", name: "Dragonite", types: []string{"dragon", "flying"}, stats: battle.Stats{MaxHP: 130, Attack: 110, Defense: 95, Speed: 80, SpecialAttack: 100, SpecialDefense: 95}, extra: []string{"dragon-claw"}},
	{id: "143", name: "Snorlax", types: []string{"normal"}, stats: battle.Stats{MaxHP: 160, Attack: 100, Defense: 85, Speed: 30, SpecialAttack: 75, SpecialDefense: 110}, extra: []string{"bite", "harden"}},
}

// signature maps a primary type to its signature move.
var signature = map[string]string{
	"electric": "thunderbolt",
	"fire":     "flamethrower",
	"water":    "water-gun",
	"grass":    "razor-leaf",
	"ghost":    "shadow-ball",
	"dragon":   "dragon-claw",
	"normal":   "hyper-beam",
}

// StaticCatalog serves the built-in reference data from memory.
type StaticCatalog struct {
	actions    map[string]battle.Action
	actionIDs  []string
	combatants map[string]battle.Combatant
	speciesIDs []string
}

// NewStaticCatalog builds the catalog and validates every action.
func NewStaticCatalog() (*StaticCatalog, error) {
	c := &StaticCatalog{
		actions:    make(map[string]battle.Action, len(builtinActions)),
		combatants: make(map[string]battle.Combatant, len(builtinSpecies)),
	}
	for _, a := range builtinActions {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		c.actions[a.ID] = a
		c.actionIDs = append(c.actionIDs, a.ID)
	}
	for _, s := range builtinSpecies {
		loadout := []string{"tackle"}
		if sig, ok := signature[s.types[0]]; ok {
			loadout = append(loadout, sig)
		}
		loadout = append(loadout, s.extra...)
		loadout = append(loadout, "growl")

		cb := battle.Combatant{
			ID:    s.id,
			Name:  s.name,
			Types: s.types,
			Stats: s.stats,
			HP:    s.stats.MaxHP,
		}
		for _, id := range loadout {
			if _, dup := cb.Slot(id); dup {
				continue
			}
			a, ok := c.actions[id]
			if !ok {
				return nil, fmt.Errorf("species %s: unknown action %q", s.id, id)
			}
			cb.Actions = append(cb.Actions, battle.ActionSlot{Action: a, Remaining: a.MaxUses})
		}
		c.combatants[s.id] = cb
		c.speciesIDs = append(c.speciesIDs, s.id)
	}
	return c, nil
}

func (c *StaticCatalog) Combatant(ctx context.Context, id string) (battle.Combatant, error) {
	if err := ctx.Err(); err != nil {
		return battle.Combatant{}, err
	}
	cb, ok := c.combatants[id]
	if !ok {
		return battle.Combatant{}, fault.New(fault.NotFound, "dex.combatant", fmt.Sprintf("unknown combatant %q", id))
	}
	return cb.Clone(), nil
}

func (c *StaticCatalog) Action(ctx context.Context, id string) (battle.Action, error) {
	if err := ctx.Err(); err != nil {
		return battle.Action{}, err
	}
	a, ok := c.actions[id]
	if !ok {
		return battle.Action{}, fault.New(fault.NotFound, "dex.action", fmt.Sprintf("unknown action %q", id))
	}
	return a, nil
}

func (c *StaticCatalog) Combatants(ctx context.Context) ([]battle.Combatant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]battle.Combatant, 0, len(c.speciesIDs))
	for _, id := range c.speciesIDs {
		out = append(out, c.combatants[id].Clone())
	}
	return out, nil
}

func (c *StaticCatalog) Actions(ctx context.Context) ([]battle.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]battle.Action, 0, len(c.actionIDs))
	for _, id := range c.actionIDs {
		out = append(out, c.actions[id])
	}
	return out, nil
}
