package rewards

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// RandomSource supplies the randomness the draw engine consumes. Tests
// inject deterministic sources to pin tier-selection boundaries.
type RandomSource interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// Intn returns a value in [0, n).
	Intn(n int) int
}

// lockedRandomSource makes a math/rand source safe for concurrent draws.
type lockedRandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (source *lockedRandomSource) Float64() float64 {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.rng.Float64()
}

func (source *lockedRandomSource) Intn(n int) int {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.rng.Intn(n)
}

// NewRandomSource returns a time-seeded concurrency-safe source.
func NewRandomSource() RandomSource {
	return &lockedRandomSource{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// tierWeight is one row of the slot-4 selection table. Cumulative weights
// are ordered rarest-first so accumulation error biases toward awarding
// rarity instead of collapsing rare rolls into common.
type tierWeight struct {
	rarity     Rarity
	cumulative float64
}

var drawTable = []tierWeight{
	{rarity: RarityLegendary, cumulative: 0.5},
	{rarity: RarityEpic, cumulative: 3.0},
	{rarity: RarityRare, cumulative: 10.0},
	{rarity: RarityUncommon, cumulative: 30.0},
	{rarity: RarityCommon, cumulative: 100.0},
}

// SelectRarity maps a roll in [0, 100) onto a tier: the first table row
// whose cumulative weight is >= roll wins.
func SelectRarity(roll float64) Rarity {
	for _, row := range drawTable {
		if roll <= row.cumulative {
			return row.rarity
		}
	}
	return RarityCommon
}

// CardSource exposes the catalog partition the engine draws from.
type CardSource interface {
	CardsByRarity(ctx context.Context, rarity Rarity) ([]Card, error)
}

// DrawEngine produces booster pack contents. It has no side effects: the
// result is a pure function of the card source and the random source.
type DrawEngine struct {
	random RandomSource
}

// NewDrawEngine wires a DrawEngine.
func NewDrawEngine(random RandomSource) (*DrawEngine, error) {
	if random == nil {
		return nil, fmt.Errorf("%w: random source dependency is nil", ErrInvalidServiceConfig)
	}
	return &DrawEngine{random: random}, nil
}

// DrawPack draws exactly CardsPerPack cards: three independent uniform
// draws from the common pool, then one slot whose tier comes from the
// weighted table. Duplicates across slots are allowed.
func (engine *DrawEngine) DrawPack(ctx context.Context, source CardSource) ([]Card, error) {
	drawn := make([]Card, 0, CardsPerPack)
	for slot := 0; slot < CommonSlots; slot++ {
		card, err := engine.drawFromRarity(ctx, source, RarityCommon)
		if err != nil {
			return nil, err
		}
		drawn = append(drawn, card)
	}
	roll := engine.random.Float64() * 100
	card, err := engine.drawFromRarity(ctx, source, SelectRarity(roll))
	if err != nil {
		return nil, err
	}
	return append(drawn, card), nil
}

func (engine *DrawEngine) drawFromRarity(ctx context.Context, source CardSource, rarity Rarity) (Card, error) {
	pool, err := source.CardsByRarity(ctx, rarity)
	if err != nil {
		return Card{}, err
	}
	if len(pool) == 0 {
		return Card{}, fmt.Errorf("%w: %s", ErrEmptyRarityPool, rarity)
	}
	return pool[engine.random.Intn(len(pool))], nil
}
