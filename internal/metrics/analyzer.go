package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"sort"
	"time"
)

// Analyzer processes metrics logs.
type Analyzer struct {
	logPath string
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(logPath string) *Analyzer {
	return &Analyzer{logPath: logPath}
}

// Summary contains aggregated metrics.
type Summary struct {
	Period           string         `json:"period"`
	TotalRequests    int            `json:"total_requests"`
	FailedRequests   int            `json:"failed_requests"`
	RequestsByMethod map[string]int `json:"requests_by_method"`
	TotalToolCalls   int            `json:"total_tool_calls"`
	ToolErrors       int            `json:"tool_errors"`
	AvgToolLatencyMs int64          `json:"avg_tool_latency_ms"`
	TopTools         []ToolCount    `json:"top_tools"`
}

// ToolCount represents a tool with its call count.
type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// Analyze processes logs for a time period.
func (a *Analyzer) Analyze(since time.Duration) (*Summary, error) {
	summary := &Summary{
		Period:           since.String(),
		RequestsByMethod: make(map[string]int),
	}

	toolCounts := make(map[string]int)
	var totalLatency int64
	var latencyCount int

	err := a.scan(since, func(event map[string]interface{}) {
		eventType, _ := event["event"].(string)
		switch eventType {
		case EventRequest:
			summary.TotalRequests++

			if method, ok := event["method"].(string); ok {
				summary.RequestsByMethod[method]++
			}
			if code, ok := event["code"].(float64); ok && code != 0 {
				summary.FailedRequests++
			}

		case EventToolCall:
			summary.TotalToolCalls++

			if isError, ok := event["is_error"].(bool); ok && isError {
				summary.ToolErrors++
			}
			if latency, ok := event["latency_ms"].(float64); ok {
				totalLatency += int64(latency)
				latencyCount++
			}
			if tool, ok := event["tool"].(string); ok {
				toolCounts[tool]++
			}
		}
	})
	if err != nil {
		return nil, err
	}

	if latencyCount > 0 {
		summary.AvgToolLatencyMs = totalLatency / int64(latencyCount)
	}

	summary.TopTools = rankTools(toolCounts, 10)

	return summary, nil
}

// FailingTools returns tools whose calls ended in a tool error, most frequent first.
func (a *Analyzer) FailingTools(since time.Duration) ([]ToolCount, error) {
	counts := make(map[string]int)

	err := a.scan(since, func(event map[string]interface{}) {
		if eventType, _ := event["event"].(string); eventType != EventToolCall {
			return
		}
		if isError, _ := event["is_error"].(bool); isError {
			tool, _ := event["tool"].(string)
			counts[tool]++
		}
	})
	if err != nil {
		return nil, err
	}

	return rankTools(counts, 0), nil
}

// scan calls fn for every well-formed event newer than since.
func (a *Analyzer) scan(since time.Duration, fn func(map[string]interface{})) error {
	file, err := os.Open(a.logPath)
	if err != nil {
		return err
	}
	defer file.Close()

	cutoff := time.Now().Add(-since)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}

		tsStr, ok := event["ts"].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil || ts.Before(cutoff) {
			continue
		}

		fn(event)
	}

	return scanner.Err()
}

// rankTools sorts counts descending, ties by name. limit <= 0 keeps all.
func rankTools(counts map[string]int, limit int) []ToolCount {
	var ranked []ToolCount
	for tool, count := range counts {
		ranked = append(ranked, ToolCount{Tool: tool, Count: count})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Tool < ranked[j].Tool
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
