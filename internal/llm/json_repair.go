package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats describes what RepairJSON had to do to a model response.
type RepairStats struct {
	OriginalBytes int           `json:"original_bytes"`
	RepairedBytes int           `json:"repaired_bytes"`
	Strategies    []string      `json:"strategies"`
	RepairTime    time.Duration `json:"repair_time"`
	WasRepaired   bool          `json:"was_repaired"`
}

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls the JSON payload out of a model response that may wrap
// it in a code fence or surrounding prose.
func ExtractJSON(raw string) string {
	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.IndexAny(raw, "[{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(raw, "]}")
	if end < start {
		return strings.TrimSpace(raw[start:])
	}
	return strings.TrimSpace(raw[start : end+1])
}

// RepairJSON returns raw unchanged when it is valid JSON. Otherwise trailing
// commas are stripped, and jsonrepair is used as the fallback for anything
// else (single quotes, unquoted keys, truncated objects).
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	finish := func(s string) RepairStats {
		stats.RepairedBytes = len(s)
		stats.RepairTime = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, finish(raw), nil
	}
	stats.WasRepaired = true

	repaired := raw
	if trailingCommaPattern.MatchString(repaired) {
		repaired = trailingCommaPattern.ReplaceAllString(repaired, "$1")
		stats.Strategies = append(stats.Strategies, "trailing_commas")
		if json.Valid([]byte(repaired)) {
			return repaired, finish(repaired), nil
		}
	}

	fixed, err := jsonrepair.JSONRepair(repaired)
	stats.Strategies = append(stats.Strategies, "jsonrepair_library")
	if err != nil {
		return repaired, finish(repaired), fmt.Errorf("json repair failed: %w", err)
	}
	if !json.Valid([]byte(fixed)) {
		return fixed, finish(fixed), fmt.Errorf("json repair failed after %d strategies", len(stats.Strategies))
	}
	return fixed, finish(fixed), nil
}

// DecodeResponse extracts, repairs and unmarshals a model response into target.
func DecodeResponse(raw string, target any) (RepairStats, error) {
	payload := ExtractJSON(raw)
	if payload == "" {
		return RepairStats{OriginalBytes: len(raw)}, fmt.Errorf("no JSON found in response")
	}
	repaired, stats, err := RepairJSON(payload)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return stats, fmt.Errorf("decode repaired response: %w", err)
	}
	return stats, nil
}
