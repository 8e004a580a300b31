package dex

import (
	"math"
	"math/rand/v2"
	"sync"

	"arena/cmd/internal/battle"
)

const (
	stabMultiplier     = 1.5
	criticalMultiplier = 2.0
	criticalChance     = 1.0 / 16
	minVariance        = 0.85
)

// typeChart[attacking][defending] is the multiplier; missing entries are 1.
var typeChart = map[string]map[string]float64{
	"fire":     {"grass": 2, "water": 0.5, "fire": 0.5},
	"water":    {"fire": 2, "grass": 0.5, "water": 0.5},
	"grass":    {"water": 2, "fire": 0.5, "grass": 0.5},
	"electric": {"water": 2, "grass": 0.5, "electric": 0.5},
	"ghost":    {"ghost": 2, "normal": 0},
	"dragon":   {"dragon": 2},
	"dark":     {"ghost": 2},
	"normal":   {"ghost": 0},
}

// Effectiveness multiplies the chart entry for each defending type.
func Effectiveness(actionType string, defenderTypes []string) float64 {
	row := typeChart[actionType]
	m := 1.0
	for _, t := range defenderTypes {
		if v, ok := row[t]; ok {
			m *= v
		}
	}
	return m
}

// STAB returns the same-type attack bonus.
func STAB(actionType string, attackerTypes []string) float64 {
	for _, t := range attackerTypes {
		if t == actionType {
			return stabMultiplier
		}
	}
	return 1
}

// StageMultiplier converts a stat stage into its multiplier.
func StageMultiplier(stage int) float64 {
	stage = min(battle.MaxStage, max(-battle.MaxStage, stage))
	if stage >= 0 {
		return float64(2+stage) / 2
	}
	return 2 / float64(2-stage)
}

// Roll supplies the random parts of a damage calculation.
type Roll interface {
	// Variance returns a factor in [0.85, 1.0].
	Variance() float64
	Critical() bool
}

// FixedRoll is a deterministic Roll.
type FixedRoll struct {
	V    float64
	Crit bool
}

func (r FixedRoll) Variance() float64 {
	if r.V <= 0 {
		return 1
	}
	return r.V
}

func (r FixedRoll) Critical() bool { return r.Crit }

// RandomRoll draws from a seeded PCG source. Safe for concurrent use.
type RandomRoll struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandomRoll seeds a RandomRoll. Zero seeds draw from the runtime's entropy.
func NewRandomRoll(seed1, seed2 uint64) *RandomRoll {
	if seed1 == 0 && seed2 == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	return &RandomRoll{r: rand.New(rand.NewPCG(seed1, seed2))}
}

func (r *RandomRoll) Variance() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return minVariance + r.r.Float64()*(1-minVariance)
}

func (r *RandomRoll) Critical() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.r.Float64() < criticalChance
}

// DamageResult is the outcome of one damaging action.
type DamageResult struct {
	Amount        int
	Effectiveness float64
	Critical      bool
}

// Damage computes the health removed from defender by attacker using a.
//
// base = max(1, floor(power * atk/def * variance * stab * crit)), then the type multiplier is
// applied and floored. Immune defenders take 0; any other hit removes at least 1.
func Damage(attacker, defender battle.Combatant, a battle.Action, roll Roll) DamageResult {
	atk, def := float64(attacker.Stats.Attack), float64(defender.Stats.Defense)
	if a.Category == battle.Special {
		atk, def = float64(attacker.Stats.SpecialAttack), float64(defender.Stats.SpecialDefense)
	}
	atk *= StageMultiplier(attacker.Stages.Attack)
	def *= StageMultiplier(defender.Stages.Defense)
	if def <= 0 {
		def = 1
	}

	crit := roll.Critical()
	mult := roll.Variance() * STAB(a.Type, attacker.Types)
	if crit {
		mult *= criticalMultiplier
	}

	base := max(1, int(math.Floor(float64(a.Power)*(atk/def)*mult)))
	eff := Effectiveness(a.Type, defender.Types)
	if eff == 0 {
		return DamageResult{Amount: 0, Effectiveness: 0, Critical: crit}
	}
	return DamageResult{
		Amount:        max(1, int(math.Floor(float64(base)*eff))),
		Effectiveness: eff,
		Critical:      crit,
	}
}

// HealAmount returns how much health a heal action restores to c, capped at its max.
func HealAmount(c battle.Combatant, a battle.Action) int {
	want := c.Stats.MaxHP * a.HealPercent / 100
	return max(0, min(want, c.Stats.MaxHP-c.HP))
}
