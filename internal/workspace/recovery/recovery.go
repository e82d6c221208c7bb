/*
Copyright 2026 Altaira Labs.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package recovery implements spec §4.6: validating partially corrupt
// state, extracting a usable subset from malformed bytes, repairing it
// into a structurally valid WorkspaceState, and merging conflicting
// candidate states by one of three strategies. Every function here is
// pure — no store dependency — so it is invoked only by a caller that
// has already classified the failure as recoverable (see
// workspace.IsRecoverable).
package recovery

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cortexlane/workspace-engine/internal/workspace"
)

// StructureReport is the reply of ValidateBasicStructure.
type StructureReport struct {
	CanRecover bool
	Errors     []string
	Warnings   []string
}

// requiredFields lists the four sequence fields spec §3 requires.
var requiredFields = []string{"terminals", "browserTabs", "aiConversations", "openFiles"}

// ValidateBasicStructure parses bytes as a string-keyed mapping and
// checks that the four required sequence fields exist and are arrays.
func ValidateBasicStructure(data []byte) *StructureReport {
	report := &StructureReport{}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		report.Errors = append(report.Errors, "not a JSON object: "+err.Error())
		return report
	}

	anyPresent := false
	for _, field := range requiredFields {
		raw, ok := m[field]
		if !ok {
			report.Errors = append(report.Errors, "missing field: "+field)
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			report.Warnings = append(report.Warnings, field+" is present but not an array")
			continue
		}
		anyPresent = true
	}

	report.CanRecover = anyPresent
	return report
}

// ExtractPartialState scans corruptedBytes for balanced-brace
// substrings and returns the first candidate that parses as JSON and
// passes isWorkspaceStateLike (all four fields present and arrays).
// Returns nil if no candidate qualifies.
func ExtractPartialState(corruptedBytes []byte) *workspace.WorkspaceState {
	for _, candidate := range balancedBraceSubstrings(corruptedBytes) {
		var state workspace.WorkspaceState
		if err := json.Unmarshal(candidate, &state); err != nil {
			continue
		}
		if isWorkspaceStateLike(candidate) {
			return &state
		}
	}
	return nil
}

// balancedBraceSubstrings returns every top-level balanced-brace byte
// range in data, in order of offset. Objects nested inside a top-level
// range are not returned as separate candidates.
func balancedBraceSubstrings(data []byte) [][]byte {
	var candidates [][]byte
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidates = append(candidates, data[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

// isWorkspaceStateLike reports whether every required field is present
// and is a JSON array.
func isWorkspaceStateLike(data []byte) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	for _, field := range requiredFields {
		raw, ok := m[field]
		if !ok {
			return false
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return false
		}
	}
	return true
}

// RepairResult is the reply of RepairWorkspaceState.
type RepairResult struct {
	State      *workspace.WorkspaceState
	Checksum   string
	Validation *StructureReport
}

// RepairWorkspaceState fills missing required sequences with empty
// slices, drops malformed items from each sequence, preserves
// WorkspaceConfig/Metadata verbatim (defaulting as described in spec
// §4.6), and re-serializes.
func RepairWorkspaceState(partial *workspace.WorkspaceState, sha256Hex func([]byte) string) (*RepairResult, error) {
	repaired := &workspace.WorkspaceState{
		Terminals:       repairTerminals(partial.Terminals),
		BrowserTabs:     repairTabs(partial.BrowserTabs),
		AIConversations: repairConversations(partial.AIConversations),
		OpenFiles:       repairFiles(partial.OpenFiles),
		WorkspaceConfig: partial.WorkspaceConfig,
		Metadata:        partial.Metadata,
	}
	if repaired.WorkspaceConfig == nil {
		repaired.WorkspaceConfig = map[string]string{}
	}
	if repaired.Metadata == nil {
		now := time.Now().UTC().Format(time.RFC3339)
		repaired.Metadata = map[string]string{"createdAt": now, "updatedAt": now}
	}

	data, err := json.Marshal(repaired)
	if err != nil {
		return nil, workspace.Wrap(workspace.KindInvalidStateShape, err)
	}

	return &RepairResult{
		State:    repaired,
		Checksum: sha256Hex(data),
		Validation: &StructureReport{
			CanRecover: true,
		},
	}, nil
}

func repairTerminals(in []workspace.Terminal) []workspace.Terminal {
	if in == nil {
		return []workspace.Terminal{}
	}
	out := make([]workspace.Terminal, 0, len(in))
	for _, t := range in {
		if t.ID == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func repairConversations(in []workspace.AIConversation) []workspace.AIConversation {
	if in == nil {
		return []workspace.AIConversation{}
	}
	out := make([]workspace.AIConversation, 0, len(in))
	for _, c := range in {
		if c.ID == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func repairTabs(in []workspace.BrowserTab) []workspace.BrowserTab {
	if in == nil {
		return []workspace.BrowserTab{}
	}
	seen := map[string]bool{}
	out := make([]workspace.BrowserTab, 0, len(in))
	for _, tab := range in {
		key := tab.URL + "\x00" + tab.Title
		if tab.URL == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tab)
	}
	return out
}

func repairFiles(in []workspace.OpenFile) []workspace.OpenFile {
	if in == nil {
		return []workspace.OpenFile{}
	}
	seen := map[string]bool{}
	out := make([]workspace.OpenFile, 0, len(in))
	for _, f := range in {
		if f.Path == "" || seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out = append(out, f)
	}
	return out
}

// MergeStrategy selects how MergeConflicts resolves overlapping state.
type MergeStrategy string

const (
	StrategyLatest       MergeStrategy = "latest"
	StrategyMostComplete MergeStrategy = "most-complete"
	StrategyManual       MergeStrategy = "manual"
)

// Candidate is one input to MergeConflicts: a state plus the timestamp
// it was last saved at (used for recency ordering).
type Candidate struct {
	State       *workspace.WorkspaceState
	LastSavedAt time.Time
}

// Conflict records one identifier that appeared in more than one
// candidate with materially different representatives.
type Conflict struct {
	Sequence   string
	Identifier string
	Reason     string
}

// MergeResult is the reply of MergeConflicts.
type MergeResult struct {
	ResolvedState *workspace.WorkspaceState
	Conflicts     []Conflict
	Warnings      []string
}

// conflictWindow is the timestamp-difference threshold above which two
// representatives of the same identifier are treated as conflicting.
const conflictWindow = 60 * time.Second

// MergeConflicts implements spec §4.6's three merge strategies.
func MergeConflicts(candidates []Candidate, strategy MergeStrategy) (*MergeResult, error) {
	if len(candidates) == 0 {
		return nil, workspace.NewError(workspace.KindNoCandidates, "no candidates supplied")
	}

	switch strategy {
	case StrategyMostComplete:
		ordered := make([]Candidate, len(candidates))
		copy(ordered, candidates)
		sort.SliceStable(ordered, func(i, j int) bool {
			si, sj := completenessScore(ordered[i].State), completenessScore(ordered[j].State)
			if si != sj {
				return si > sj
			}
			return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
		})
		return mergeLatestOrdered(ordered)
	case StrategyManual:
		return mergeManual(candidates)
	default:
		ordered := make([]Candidate, len(candidates))
		copy(ordered, candidates)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
		})
		return mergeLatestOrdered(ordered)
	}
}

func mergeLatestOrdered(ordered []Candidate) (*MergeResult, error) {
	base := cloneState(ordered[0].State)
	result := &MergeResult{ResolvedState: base}

	terminals := indexTerminals(base.Terminals)
	tabs := indexTabs(base.BrowserTabs)
	conversations := indexConversations(base.AIConversations)
	files := indexFiles(base.OpenFiles)

	for _, older := range ordered[1:] {
		for _, t := range older.State.Terminals {
			if existing, ok := terminals[t.ID]; ok {
				if conflicts := terminalConflict(existing, t); conflicts != "" {
					result.Conflicts = append(result.Conflicts, Conflict{"terminals", t.ID, conflicts})
				}
				continue
			}
			terminals[t.ID] = t
			base.Terminals = append(base.Terminals, t)
		}
		for _, tab := range older.State.BrowserTabs {
			key := tab.URL + "\x00" + tab.Title
			if existing, ok := tabs[key]; ok {
				if conflicts := tabConflict(existing, tab); conflicts != "" {
					result.Conflicts = append(result.Conflicts, Conflict{"browserTabs", key, conflicts})
				}
				continue
			}
			tabs[key] = tab
			base.BrowserTabs = append(base.BrowserTabs, tab)
		}
		for _, c := range older.State.AIConversations {
			if existing, ok := conversations[c.ID]; ok {
				if conflicts := conversationConflict(existing, c); conflicts != "" {
					result.Conflicts = append(result.Conflicts, Conflict{"aiConversations", c.ID, conflicts})
				}
				continue
			}
			conversations[c.ID] = c
			base.AIConversations = append(base.AIConversations, c)
		}
		for _, f := range older.State.OpenFiles {
			if existing, ok := files[f.Path]; ok {
				if conflicts := fileConflict(existing, f); conflicts != "" {
					result.Conflicts = append(result.Conflicts, Conflict{"openFiles", f.Path, conflicts})
				}
				continue
			}
			files[f.Path] = f
			base.OpenFiles = append(base.OpenFiles, f)
		}
	}

	return result, nil
}

func mergeManual(candidates []Candidate) (*MergeResult, error) {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastSavedAt.After(ordered[j].LastSavedAt)
	})
	result, err := mergeLatestOrdered(ordered)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, "manual resolution required: conflicts were detected but not resolved")
	return result, nil
}

func terminalConflict(a, b workspace.Terminal) string {
	if a.IsActive != b.IsActive {
		return "isActive differs"
	}
	if absDuration(a.UpdatedAt.Sub(b.UpdatedAt)) > conflictWindow {
		return "timestamps differ by more than 60s"
	}
	if a.Command != b.Command {
		return "content differs"
	}
	return ""
}

func tabConflict(a, b workspace.BrowserTab) string {
	if a.IsActive != b.IsActive {
		return "isActive differs"
	}
	if absDuration(a.UpdatedAt.Sub(b.UpdatedAt)) > conflictWindow {
		return "timestamps differ by more than 60s"
	}
	return ""
}

func conversationConflict(a, b workspace.AIConversation) string {
	if absDuration(a.UpdatedAt.Sub(b.UpdatedAt)) > conflictWindow {
		return "timestamps differ by more than 60s"
	}
	if string(a.Messages) != string(b.Messages) {
		return "content differs"
	}
	return ""
}

func fileConflict(a, b workspace.OpenFile) string {
	if a.HasUnsavedChanges != b.HasUnsavedChanges {
		return "hasUnsavedChanges differs"
	}
	if a.Content != b.Content {
		return "content differs"
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// completenessScore implements spec §4.6's most-complete scoring
// formula.
func completenessScore(s *workspace.WorkspaceState) int {
	score := 0
	score += 10 * len(s.Terminals)
	for _, t := range s.Terminals {
		if t.IsActive {
			score += 50
			break
		}
	}
	score += 5 * len(s.BrowserTabs)
	for _, t := range s.BrowserTabs {
		if t.IsActive {
			score += 30
			break
		}
	}
	score += 15 * len(s.AIConversations)
	for _, c := range s.AIConversations {
		if time.Since(c.UpdatedAt) <= 24*time.Hour {
			score += 10
		}
	}
	score += 8 * len(s.OpenFiles)
	for _, f := range s.OpenFiles {
		if f.HasUnsavedChanges {
			score += 25
			break
		}
	}
	score += 3 * len(s.WorkspaceConfig)
	score += 2 * len(s.Metadata)
	return score
}

func indexTerminals(in []workspace.Terminal) map[string]workspace.Terminal {
	m := make(map[string]workspace.Terminal, len(in))
	for _, t := range in {
		m[t.ID] = t
	}
	return m
}

func indexConversations(in []workspace.AIConversation) map[string]workspace.AIConversation {
	m := make(map[string]workspace.AIConversation, len(in))
	for _, c := range in {
		m[c.ID] = c
	}
	return m
}

func indexTabs(in []workspace.BrowserTab) map[string]workspace.BrowserTab {
	m := make(map[string]workspace.BrowserTab, len(in))
	for _, t := range in {
		m[t.URL+"\x00"+t.Title] = t
	}
	return m
}

func indexFiles(in []workspace.OpenFile) map[string]workspace.OpenFile {
	m := make(map[string]workspace.OpenFile, len(in))
	for _, f := range in {
		m[f.Path] = f
	}
	return m
}

func cloneState(s *workspace.WorkspaceState) *workspace.WorkspaceState {
	clone := &workspace.WorkspaceState{
		Terminals:       append([]workspace.Terminal{}, s.Terminals...),
		BrowserTabs:     append([]workspace.BrowserTab{}, s.BrowserTabs...),
		AIConversations: append([]workspace.AIConversation{}, s.AIConversations...),
		OpenFiles:       append([]workspace.OpenFile{}, s.OpenFiles...),
		WorkspaceConfig: s.WorkspaceConfig,
		Metadata:        s.Metadata,
	}
	return clone
}
