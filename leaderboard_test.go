package main

import (
	"os"
	"testing"
)

// TestLoadLeaderboardMissing verifies a missing file yields an empty board
func TestLoadLeaderboardMissing(t *testing.T) {
	h := NewTestHelper(t)
	h.UseTempDataDir()
	defer h.Cleanup()

	board := LoadLeaderboard()
	if board == nil || board.Entries == nil {
		t.Fatal("Expected empty board, got nil")
	}
	if len(board.Entries) != 0 {
		t.Errorf("Fresh board has %d entries", len(board.Entries))
	}
}

// TestLoadLeaderboardCorrupt verifies a corrupt file degrades to empty
func TestLoadLeaderboardCorrupt(t *testing.T) {
	h := NewTestHelper(t)
	dir := h.UseTempDataDir()
	defer h.Cleanup()

	os.WriteFile(dir+"/"+LeaderboardFile, []byte("{broken"), 0644)
	board := LoadLeaderboard()
	if len(board.Entries) != 0 {
		t.Errorf("Corrupt board has %d entries", len(board.Entries))
	}
}

// TestEntryKey tests the model+persona key format
func TestEntryKey(t *testing.T) {
	if got := entryKey("m/a", "pirate"); got != "m/a|pirate" {
		t.Errorf("entryKey = %q", got)
	}
	if got := entryKey("m/a", ""); got != "m/a|None" {
		t.Errorf("Empty persona key = %q, want m/a|None", got)
	}
}

// TestUpdateLeaderboardFromAggregateRankings tests standings accumulation
func TestUpdateLeaderboardFromAggregateRankings(t *testing.T) {
	h := NewTestHelper(t)
	h.UseTempDataDir()
	defer h.Cleanup()

	stage1 := []Stage1Response{
		{Model: "m/winner", Response: "r1"},
		{Model: "m/second", Response: "r2"},
		{Model: "m/unranked", Response: "r3"},
	}
	aggregate := []AggregateRanking{
		{Model: "m/winner", AverageRank: 1.0, RankingsCount: 3},
		{Model: "m/second", AverageRank: 2.0, RankingsCount: 3},
	}

	h.AssertNoError(UpdateLeaderboardFromAggregateRankings(stage1, aggregate, nil), "Update")

	board := LoadLeaderboard()
	if len(board.Entries) != 3 {
		t.Fatalf("Entries = %d, want 3", len(board.Entries))
	}

	winner := board.Entries[entryKey("m/winner", "")]
	if winner.Participations != 1 || winner.Wins != 1 || winner.TotalVotes != 3 {
		t.Errorf("Winner entry = %+v", winner)
	}
	if winner.TotalRankSum != 1.0 {
		t.Errorf("Winner rank sum = %f", winner.TotalRankSum)
	}

	second := board.Entries[entryKey("m/second", "")]
	if second.Wins != 0 || second.TotalRankSum != 2.0 {
		t.Errorf("Second entry = %+v", second)
	}

	// Unranked participants still gain a participation, nothing else.
	unranked := board.Entries[entryKey("m/unranked", "")]
	if unranked.Participations != 1 || unranked.TotalVotes != 0 || unranked.TotalRankSum != 0 {
		t.Errorf("Unranked entry = %+v", unranked)
	}

	// A second turn accumulates on top.
	UpdateLeaderboardFromAggregateRankings(stage1, aggregate, nil)
	board = LoadLeaderboard()
	winner = board.Entries[entryKey("m/winner", "")]
	if winner.Participations != 2 || winner.Wins != 2 || winner.TotalRankSum != 2.0 {
		t.Errorf("Accumulated winner entry = %+v", winner)
	}
}

// TestUpdateLeaderboardPersonaResolution verifies persona prompts resolve back
// to saved persona names for keying.
func TestUpdateLeaderboardPersonaResolution(t *testing.T) {
	h := NewTestHelper(t)
	h.UseTempDataDir()
	defer h.Cleanup()

	SavePersona("pirate", "You are a pirate.")

	stage1 := []Stage1Response{{Model: "openai/gpt-oss-20b:free", Response: "arr"}}
	aggregate := []AggregateRanking{{Model: "openai/gpt-oss-20b:free", AverageRank: 1.0, RankingsCount: 1}}
	personaMap := map[string]string{"openai/gpt-oss-20b:free": "You are a pirate."}

	h.AssertNoError(UpdateLeaderboardFromAggregateRankings(stage1, aggregate, personaMap), "Update")

	board := LoadLeaderboard()
	entry, ok := board.Entries[entryKey("openai/gpt-oss-20b:free", "pirate")]
	if !ok {
		t.Fatalf("Persona-keyed entry missing; have %v", boardKeys(board))
	}
	if entry.Persona != "pirate" {
		t.Errorf("Persona = %q, want pirate", entry.Persona)
	}

	// An unrecognized prompt falls back to the bare-model key.
	stage1[0].Model = "m/other"
	aggregate[0].Model = "m/other"
	UpdateLeaderboardFromAggregateRankings(stage1, aggregate, map[string]string{"m/other": "unknown prompt"})
	board = LoadLeaderboard()
	if _, ok := board.Entries[entryKey("m/other", "")]; !ok {
		t.Errorf("Unmatched prompt did not fall back to bare model key; have %v", boardKeys(board))
	}
}

func boardKeys(board *Leaderboard) []string {
	keys := make([]string, 0, len(board.Entries))
	for k := range board.Entries {
		keys = append(keys, k)
	}
	return keys
}

// TestGetLeaderboardStats tests stats computation, sorting and filters
func TestGetLeaderboardStats(t *testing.T) {
	h := NewTestHelper(t)
	h.UseTempDataDir()
	defer h.Cleanup()

	board := &Leaderboard{Entries: map[string]*LeaderboardEntry{
		entryKey("m/best", ""): {
			Model: "m/best", Participations: 4, TotalRankSum: 4.0, Wins: 3, TotalVotes: 12,
		},
		entryKey("m/mid", "pirate"): {
			Model: "m/mid", Persona: "pirate", Participations: 4, TotalRankSum: 8.0, Wins: 1, TotalVotes: 12,
		},
		entryKey("m/never-ranked", ""): {
			Model: "m/never-ranked", Participations: 2,
		},
	}}
	h.AssertNoError(SaveLeaderboard(board), "SaveLeaderboard")

	stats := GetLeaderboardStats("", "")
	if len(stats) != 3 {
		t.Fatalf("Stats = %d, want 3", len(stats))
	}

	// Best average rank first, unranked sentinel last.
	h.AssertEqual(stats[0].Model, "m/best", "Best first")
	h.AssertEqual(stats[0].AverageRank, 1.0, "Best average")
	h.AssertEqual(stats[0].WinRate, 75.0, "Best win rate")
	h.AssertEqual(stats[1].Model, "m/mid", "Mid second")
	h.AssertEqual(stats[1].AverageRank, 2.0, "Mid average")
	h.AssertEqual(stats[2].Model, "m/never-ranked", "Unranked last")
	h.AssertEqual(stats[2].AverageRank, unrankedSentinel, "Unranked sentinel")

	// Model filter
	filtered := GetLeaderboardStats("m/mid", "")
	if len(filtered) != 1 || filtered[0].Model != "m/mid" {
		t.Errorf("Model filter = %+v", filtered)
	}

	// Persona filter
	filtered = GetLeaderboardStats("", "pirate")
	if len(filtered) != 1 || filtered[0].Persona != "pirate" {
		t.Errorf("Persona filter = %+v", filtered)
	}

	// "None" selects persona-less entries only
	filtered = GetLeaderboardStats("", "None")
	if len(filtered) != 2 {
		t.Errorf("None filter = %d entries, want 2", len(filtered))
	}
	for _, s := range filtered {
		if s.Persona != "" {
			t.Errorf("None filter returned persona entry: %+v", s)
		}
	}
}
