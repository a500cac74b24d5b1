package llm

import (
	"sync"
	"time"
)

// pricing is USD per 1M tokens.
type pricing struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricing{
	"gpt-4o":        {input: 2.50, output: 10.00},
	"gpt-4o-mini":   {input: 0.15, output: 0.60},
	"gpt-4-turbo":   {input: 10.00, output: 30.00},
	"gpt-3.5-turbo": {input: 0.50, output: 1.50},
}

func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = modelPricing["gpt-4o-mini"]
	}
	return float64(promptTokens)/1e6*p.input + float64(completionTokens)/1e6*p.output
}

// CostTracker accumulates classification spend. It satisfies the
// classifier's UsageRecorder.
type CostTracker struct {
	mu           sync.RWMutex
	totalCost    float64
	totalTokens  int64
	requestCount int64
	dailyCost    map[string]float64
	modelUsage   map[string]int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{
		dailyCost:  make(map[string]float64),
		modelUsage: make(map[string]int64),
	}
}

func (t *CostTracker) Record(model string, promptTokens, completionTokens int) {
	cost := CalculateCost(model, promptTokens, completionTokens)

	t.mu.Lock()
	t.totalCost += cost
	t.totalTokens += int64(promptTokens + completionTokens)
	t.requestCount++

	today := time.Now().Format("2006-01-02")
	t.dailyCost[today] += cost
	t.modelUsage[model] += int64(promptTokens + completionTokens)
	t.mu.Unlock()
}

type CostStats struct {
	TotalCost         float64 `json:"total_cost"`
	TotalTokens       int64   `json:"total_tokens"`
	RequestCount      int64   `json:"request_count"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
	TodayCost         float64 `json:"today_cost"`
}

func (t *CostTracker) Stats() CostStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := CostStats{
		TotalCost:    t.totalCost,
		TotalTokens:  t.totalTokens,
		RequestCount: t.requestCount,
		TodayCost:    t.dailyCost[time.Now().Format("2006-01-02")],
	}
	if t.requestCount > 0 {
		stats.AvgCostPerRequest = t.totalCost / float64(t.requestCount)
	}
	return stats
}
