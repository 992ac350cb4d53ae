package risk

import (
	"sort"
	"time"

	"titan-control-plane/internal/models"
)

// personaState 是单个 persona 的可变状态。
// 状态由风控层独占拥有；写入全部发生在 Manager 的锁内。
type personaState struct {
	name          string
	active        bool
	cooldownUntil time.Time
	bandEnteredAt time.Time
	drawdownSince time.Time
}

// profileTable 按 MinEquity 从高到低排序的 persona 档案，
// 权益档位选择是一个确定性的阶梯函数。
type profileTable []models.PersonaConfig

func newProfileTable(personas []models.PersonaConfig) profileTable {
	table := make(profileTable, len(personas))
	copy(table, personas)
	sort.Slice(table, func(i, j int) bool { return table[i].MinEquity > table[j].MinEquity })
	return table
}

// forEquity returns the persona whose band contains the given equity.
// Equity below every band falls back to the lowest profile.
func (t profileTable) forEquity(equity float64) models.PersonaConfig {
	for _, p := range t {
		if equity >= p.MinEquity {
			return p
		}
	}
	return t[len(t)-1]
}
