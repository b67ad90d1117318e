package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LeaderboardFile holds per-model/persona standings inside the data directory.
const LeaderboardFile = "leaderboard.json"

// LeaderboardEntry accumulates one model+persona combination's results.
type LeaderboardEntry struct {
	Model          string    `json:"model"`
	Persona        string    `json:"persona,omitempty"`
	Participations int       `json:"participations"`
	TotalRankSum   float64   `json:"total_rank_sum"`
	Wins           int       `json:"wins"`
	TotalVotes     int       `json:"total_votes"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Leaderboard is the stored shape: entries keyed by "model|persona".
type Leaderboard struct {
	Entries map[string]*LeaderboardEntry `json:"entries"`
}

// LeaderboardStat is one row of the computed standings.
type LeaderboardStat struct {
	Model          string    `json:"model"`
	Persona        string    `json:"persona,omitempty"`
	Participations int       `json:"participations"`
	AverageRank    float64   `json:"average_rank"`
	Wins           int       `json:"wins"`
	WinRate        float64   `json:"win_rate"`
	TotalVotes     int       `json:"total_votes"`
	LastUpdated    time.Time `json:"last_updated"`
}

// GetLeaderboardPath returns the file path for leaderboard storage.
func GetLeaderboardPath() string {
	return filepath.Join(DataDir, LeaderboardFile)
}

// LoadLeaderboard loads leaderboard data; missing or corrupt files yield an
// empty board.
func LoadLeaderboard() *Leaderboard {
	board := &Leaderboard{Entries: make(map[string]*LeaderboardEntry)}

	data, err := os.ReadFile(GetLeaderboardPath())
	if err != nil {
		return board
	}

	if err := json.Unmarshal(data, board); err != nil || board.Entries == nil {
		return &Leaderboard{Entries: make(map[string]*LeaderboardEntry)}
	}
	return board
}

// SaveLeaderboard writes leaderboard data to storage.
func SaveLeaderboard(board *Leaderboard) error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(board, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal leaderboard: %w", err)
	}
	if err := os.WriteFile(GetLeaderboardPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write leaderboard file: %w", err)
	}
	return nil
}

// entryKey builds the unique key for a model+persona combination.
func entryKey(model, persona string) string {
	if persona == "" {
		persona = "None"
	}
	return model + "|" + persona
}

// personaNamesByModel resolves model IDs to persona names. The persona map
// stores system prompts keyed by model, so prompts are matched back to saved
// persona names; base model names get a fallback mapping as well.
func personaNamesByModel(personaMap map[string]string) map[string]string {
	if len(personaMap) == 0 {
		return nil
	}

	promptToName := make(map[string]string)
	for _, p := range ListPersonas() {
		promptToName[p.SystemPrompt] = p.Name
	}

	names := make(map[string]string)
	for modelID, systemPrompt := range personaMap {
		name, ok := promptToName[systemPrompt]
		if !ok {
			continue
		}
		names[modelID] = name
		if base := baseModelName(modelID); base != modelID {
			names[base] = name
		}
	}
	return names
}

// UpdateLeaderboardFromAggregateRankings updates the standings after one
// council turn: every Stage 1 participant gains a participation, ranked
// models accumulate their average rank and votes, and the top aggregate spot
// counts as a win.
func UpdateLeaderboardFromAggregateRankings(stage1Results []Stage1Response, aggregateRankings []AggregateRanking, personaMap map[string]string) error {
	board := LoadLeaderboard()
	personaNames := personaNamesByModel(personaMap)

	type rankData struct {
		rank        int
		averageRank float64
		votes       int
	}
	rankByModel := make(map[string]rankData, len(aggregateRankings))
	for idx, ranking := range aggregateRankings {
		rankByModel[ranking.Model] = rankData{
			rank:        idx + 1,
			averageRank: ranking.AverageRank,
			votes:       ranking.RankingsCount,
		}
	}

	now := time.Now().UTC()
	for _, result := range stage1Results {
		model := result.Model

		persona := personaNames[model]
		if persona == "" {
			persona = personaNames[baseModelName(model)]
		}

		key := entryKey(model, persona)
		entry, ok := board.Entries[key]
		if !ok {
			entry = &LeaderboardEntry{Model: model, Persona: persona}
			board.Entries[key] = entry
		}

		entry.Participations++
		if data, ranked := rankByModel[model]; ranked {
			entry.TotalRankSum += data.averageRank
			entry.TotalVotes += data.votes
			if data.rank == 1 {
				entry.Wins++
			}
		}
		entry.LastUpdated = now
	}

	return SaveLeaderboard(board)
}

// unrankedSentinel sorts entries with no rankings to the bottom.
const unrankedSentinel = 999.0

// GetLeaderboardStats returns standings sorted by average rank (best first),
// then by participation count. Empty filters match everything; the persona
// filter value "None" selects entries without a persona.
func GetLeaderboardStats(filterModel, filterPersona string) []LeaderboardStat {
	board := LoadLeaderboard()

	results := make([]LeaderboardStat, 0, len(board.Entries))
	for _, entry := range board.Entries {
		if filterModel != "" && entry.Model != filterModel {
			continue
		}
		if filterPersona != "" {
			if filterPersona == "None" && entry.Persona != "" {
				continue
			}
			if filterPersona != "None" && entry.Persona != filterPersona {
				continue
			}
		}

		avgRank := unrankedSentinel
		if entry.Participations > 0 && entry.TotalRankSum > 0 {
			avgRank = entry.TotalRankSum / float64(entry.Participations)
		}

		winRate := 0.0
		if entry.Participations > 0 {
			winRate = float64(entry.Wins) / float64(entry.Participations) * 100
		}

		results = append(results, LeaderboardStat{
			Model:          entry.Model,
			Persona:        entry.Persona,
			Participations: entry.Participations,
			AverageRank:    roundTo(avgRank, 2),
			Wins:           entry.Wins,
			WinRate:        roundTo(winRate, 1),
			TotalVotes:     entry.TotalVotes,
			LastUpdated:    entry.LastUpdated,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].AverageRank != results[j].AverageRank {
			return results[i].AverageRank < results[j].AverageRank
		}
		return results[i].Participations > results[j].Participations
	})

	return results
}
