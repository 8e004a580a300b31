package battle

import "fmt"

// ActionKind is the closed set of action effects.
type ActionKind string

const (
	KindDamage ActionKind = "damage"
	KindHeal   ActionKind = "heal"
	KindBuff   ActionKind = "buff"
	KindDebuff ActionKind = "debuff"
)

// Valid reports whether k is one of the known kinds.
func (k ActionKind) Valid() bool {
	switch k {
	case KindDamage, KindHeal, KindBuff, KindDebuff:
		return true
	}
	return false
}

// Category selects which stat pair a damaging action reads.
type Category string

const (
	Physical Category = "physical"
	Special  Category = "special"
	Status   Category = "status"
)

// Stat names a stage-modifiable stat.
type Stat string

const (
	StatAttack  Stat = "attack"
	StatDefense Stat = "defense"
)

// Action is reference data for one usable move.
type Action struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Kind     ActionKind `json:"kind"`
	Type     string     `json:"type"`
	Category Category   `json:"category"`
	Power    int        `json:"power,omitempty"`
	Accuracy int        `json:"accuracy"`
	MaxUses  int        `json:"max_uses"`
	Priority int        `json:"priority,omitempty"`

	// Buff and debuff: the stat and how many stages it moves.
	Stat   Stat `json:"stat,omitempty"`
	Stages int  `json:"stages,omitempty"`

	// Heal: percentage of max health restored.
	HealPercent int `json:"heal_percent,omitempty"`
}

// Validate checks that the action's fields agree with its kind.
func (a Action) Validate() error {
	switch a.Kind {
	case KindDamage:
		if a.Power <= 0 {
			return fmt.Errorf("action %q: damage requires power", a.ID)
		}
	case KindHeal:
		if a.HealPercent <= 0 || a.HealPercent > 100 {
			return fmt.Errorf("action %q: heal percent out of range", a.ID)
		}
	case KindBuff, KindDebuff:
		if a.Stat != StatAttack && a.Stat != StatDefense {
			return fmt.Errorf("action %q: unknown stat %q", a.ID, a.Stat)
		}
		if a.Stages == 0 {
			return fmt.Errorf("action %q: stages must be non-zero", a.ID)
		}
	default:
		return fmt.Errorf("action %q: unknown kind %q", a.ID, a.Kind)
	}
	if a.MaxUses <= 0 {
		return fmt.Errorf("action %q: max uses must be positive", a.ID)
	}
	return nil
}

// Stats are the immutable base stats of a combatant.
type Stats struct {
	MaxHP          int `json:"max_hp"`
	Attack         int `json:"attack"`
	Defense        int `json:"defense"`
	SpecialAttack  int `json:"special_attack"`
	SpecialDefense int `json:"special_defense"`
	Speed          int `json:"speed"`
}

// Stages are transient stat modifiers, cleared when a battle starts.
type Stages struct {
	Attack  int `json:"attack"`
	Defense int `json:"defense"`
}

// MaxStage bounds a stage modifier in either direction.
const MaxStage = 6

// Shift moves the named stat by delta, clamped to ±MaxStage, and returns the applied change.
func (s *Stages) Shift(stat Stat, delta int) int {
	p := &s.Attack
	if stat == StatDefense {
		p = &s.Defense
	}
	before := *p
	*p = min(MaxStage, max(-MaxStage, before+delta))
	return *p - before
}

// ActionSlot is an action bound to a combatant together with its remaining uses.
type ActionSlot struct {
	Action    Action `json:"action"`
	Remaining int    `json:"remaining"`
}

// Combatant is a participant's fighter. HP, Stages and slot counters change during a battle.
type Combatant struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Types   []string     `json:"types"`
	Stats   Stats        `json:"stats"`
	HP      int          `json:"hp"`
	Stages  Stages       `json:"stages"`
	Actions []ActionSlot `json:"actions"`
}

// Clone returns a deep copy.
func (c Combatant) Clone() Combatant {
	c.Types = append([]string(nil), c.Types...)
	c.Actions = append([]ActionSlot(nil), c.Actions...)
	return c
}

// Slot returns the slot for actionID.
func (c *Combatant) Slot(actionID string) (*ActionSlot, bool) {
	for i := range c.Actions {
		if c.Actions[i].Action.ID == actionID {
			return &c.Actions[i], true
		}
	}
	return nil, false
}

// Fainted reports whether the combatant is out of health.
func (c Combatant) Fainted() bool { return c.HP <= 0 }

// Reset restores full health and clears transient modifiers. Use counters are kept.
func (c *Combatant) Reset() {
	c.HP = c.Stats.MaxHP
	c.Stages = Stages{}
}
