// Package notes turns a session transcript into structured markdown notes.
package notes

import (
	"fmt"
	"strings"

	"github.com/thebtf/loremonger/pkg/models"
)

// Skeleton is the section outline every set of notes follows.
const Skeleton = `# Session Summary

## Characters

### Players

### NPCs

## Locations

## Timeline of Events

## Summary

### Story Hooks

### Key Clues

### Next Steps`

// BuildSystemPrompt builds the instructions sent with the transcript.
func BuildSystemPrompt(dmName string, players []models.Player, customPrompt string) string {
	var sb strings.Builder
	sb.WriteString("You are a meticulous note-taker for a tabletop role-playing game session.\n")
	sb.WriteString("You will receive the transcript of a recorded session and must write session notes in markdown.\n\n")

	sb.WriteString("## Participants\n")
	if dmName != "" {
		sb.WriteString(fmt.Sprintf("- Dungeon Master: %s\n", dmName))
	}
	for _, p := range players {
		sb.WriteString(fmt.Sprintf("- %s (played by %s)\n", p.CharacterName, p.PlayerName))
	}
	sb.WriteString("\nSpeakers in the transcript may be labelled by speaker number instead of name; ")
	sb.WriteString("use context to attribute lines to the participants above.\n\n")

	sb.WriteString("## Rules\n")
	sb.WriteString("- Ignore out-of-fiction talk: discussion about the recording, software, rules lookups, snacks or scheduling.\n")
	sb.WriteString("- Refer to player characters by character name.\n")
	sb.WriteString("- Do not invent events that are not in the transcript.\n")
	sb.WriteString("- Output only the notes. No preamble, no closing remarks, no code fences.\n\n")

	sb.WriteString("## Required structure\n")
	sb.WriteString("Use exactly these headings, in this order:\n\n")
	sb.WriteString(Skeleton)
	sb.WriteString("\n")

	if custom := strings.TrimSpace(customPrompt); custom != "" {
		sb.WriteString("\n## Campaign instructions\n")
		sb.WriteString(custom)
		sb.WriteString("\n")
	}
	return sb.String()
}

// DebugNotes renders the skeleton with the transcript under the summary
// heading, without calling any model.
func DebugNotes(transcript string) string {
	var sb strings.Builder
	sb.WriteString("# Session Summary\n\n")
	sb.WriteString(strings.TrimSpace(transcript))
	sb.WriteString("\n")
	rest := strings.TrimPrefix(Skeleton, "# Session Summary")
	sb.WriteString(rest)
	sb.WriteString("\n")
	return sb.String()
}
