package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestValidateBasicStructure(t *testing.T) {
	cases := []struct {
		name       string
		data       string
		canRecover bool
	}{
		{"complete", `{"terminals":[],"browserTabs":[],"aiConversations":[],"openFiles":[]}`, true},
		{"missing all", `{}`, false},
		{"partial", `{"terminals":[],"openFiles":[]}`, true},
		{"not json", `not json at all`, false},
		{"field wrong type", `{"terminals":"oops","browserTabs":[],"aiConversations":[],"openFiles":[]}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := ValidateBasicStructure([]byte(tc.data))
			if report.CanRecover != tc.canRecover {
				t.Fatalf("CanRecover = %v, want %v (errors=%v)", report.CanRecover, tc.canRecover, report.Errors)
			}
		})
	}
}

func TestExtractPartialState(t *testing.T) {
	good := workspace.WorkspaceState{
		Terminals:       []workspace.Terminal{{ID: "t1"}},
		BrowserTabs:     []workspace.BrowserTab{},
		AIConversations: []workspace.AIConversation{},
		OpenFiles:       []workspace.OpenFile{},
	}
	goodBytes, err := json.Marshal(good)
	if err != nil {
		t.Fatal(err)
	}

	corrupted := append([]byte("garbage-prefix-"), goodBytes...)
	corrupted = append(corrupted, []byte("-garbage-suffix")...)

	state := ExtractPartialState(corrupted)
	if state == nil {
		t.Fatal("expected a recovered state, got nil")
	}
	if len(state.Terminals) != 1 || state.Terminals[0].ID != "t1" {
		t.Fatalf("unexpected recovered state: %+v", state)
	}
}

func TestExtractPartialState_NoCandidate(t *testing.T) {
	state := ExtractPartialState([]byte(`totally not json`))
	if state != nil {
		t.Fatalf("expected nil, got %+v", state)
	}
}

func TestRepairWorkspaceState(t *testing.T) {
	partial := &workspace.WorkspaceState{
		Terminals: []workspace.Terminal{{ID: "t1"}, {ID: ""}},
		OpenFiles: []workspace.OpenFile{{Path: "/a"}, {Path: "/a"}, {Path: ""}},
	}

	result, err := RepairWorkspaceState(partial, sha256Hex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.State.Terminals) != 1 {
		t.Fatalf("expected malformed terminal dropped, got %d", len(result.State.Terminals))
	}
	if len(result.State.OpenFiles) != 1 {
		t.Fatalf("expected duplicate/empty files dropped, got %d", len(result.State.OpenFiles))
	}
	if result.State.BrowserTabs == nil || result.State.AIConversations == nil {
		t.Fatal("expected missing sequences to default to empty slices, not nil")
	}
	if result.Checksum == "" {
		t.Fatal("expected non-empty checksum")
	}
}

func TestMergeConflicts_Latest(t *testing.T) {
	now := time.Now().UTC()
	older := Candidate{
		State: &workspace.WorkspaceState{
			Terminals: []workspace.Terminal{{ID: "t1", Command: "old", UpdatedAt: now.Add(-2 * time.Hour)}},
		},
		LastSavedAt: now.Add(-time.Hour),
	}
	newer := Candidate{
		State: &workspace.WorkspaceState{
			Terminals: []workspace.Terminal{{ID: "t1", Command: "new", UpdatedAt: now}},
			OpenFiles: []workspace.OpenFile{{Path: "/b"}},
		},
		LastSavedAt: now,
	}

	result, err := MergeConflicts([]Candidate{older, newer}, StrategyLatest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ResolvedState.Terminals) != 1 || result.ResolvedState.Terminals[0].Command != "new" {
		t.Fatalf("expected newest terminal to win, got %+v", result.ResolvedState.Terminals)
	}
	if len(result.ResolvedState.OpenFiles) != 1 {
		t.Fatalf("expected unique file from older candidate to be carried over")
	}
}

func TestMergeConflicts_MostComplete(t *testing.T) {
	sparse := Candidate{
		State:       &workspace.WorkspaceState{Terminals: []workspace.Terminal{{ID: "t1"}}},
		LastSavedAt: time.Now(),
	}
	rich := Candidate{
		State: &workspace.WorkspaceState{
			Terminals:   []workspace.Terminal{{ID: "t1"}, {ID: "t2"}},
			BrowserTabs: []workspace.BrowserTab{{URL: "https://example.com", Title: "Example"}},
		},
		LastSavedAt: time.Now().Add(-time.Hour),
	}

	result, err := MergeConflicts([]Candidate{sparse, rich}, StrategyMostComplete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ResolvedState.Terminals) != 2 {
		t.Fatalf("expected richer candidate to form the base, got %d terminals", len(result.ResolvedState.Terminals))
	}
}

func TestMergeConflicts_NoCandidates(t *testing.T) {
	_, err := MergeConflicts(nil, StrategyLatest)
	if workspace.Kind(err) != workspace.KindNoCandidates {
		t.Fatalf("expected KindNoCandidates, got %v", err)
	}
}

func TestMergeConflicts_Manual(t *testing.T) {
	a := Candidate{
		State:       &workspace.WorkspaceState{Terminals: []workspace.Terminal{{ID: "t1", IsActive: true, UpdatedAt: time.Now()}}},
		LastSavedAt: time.Now(),
	}
	b := Candidate{
		State:       &workspace.WorkspaceState{Terminals: []workspace.Terminal{{ID: "t1", IsActive: false, UpdatedAt: time.Now()}}},
		LastSavedAt: time.Now().Add(-time.Minute),
	}

	result, err := MergeConflicts([]Candidate{a, b}, StrategyManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a manual-resolution warning")
	}
}
