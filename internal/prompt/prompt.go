// Package prompt renders the completion-engine prompt: persona
// instructions, recalled memory notes, prior context, and the recent
// conversation window, ending with a cue for the bot's next line.
package prompt

import (
	"fmt"
	"strings"
	"time"
)

// DefaultInstructions is the persona used when none is configured.
const DefaultInstructions = "You are a friendly, concise companion. Answer naturally, stay in character, and keep replies under a few paragraphs unless asked for detail."

// Line is one utterance of the conversation window, oldest first.
type Line struct {
	Speaker string
	Text    string
}

// Input carries everything variable about one render.
type Input struct {
	// Notes are the current recalled-memory summary.
	Notes string

	// ContextNotes are the previous summary, when one exists.
	ContextNotes string

	// History is the recent conversation window, oldest first.
	History []Line

	// Now stamps the reply cue.
	Now time.Time
}

// Builder renders prompts for a named bot.
type Builder struct {
	BotName      string
	Instructions string
}

// NewBuilder creates a builder, falling back to DefaultInstructions.
func NewBuilder(botName, instructions string) *Builder {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return &Builder{BotName: botName, Instructions: instructions}
}

// Render produces the single system prompt for one exchange.
func (b *Builder) Render(in Input) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Instructions for %s: %s\n", b.BotName, b.Instructions)

	if in.ContextNotes != "" {
		fmt.Fprintf(&sb, "\ncontext: %s\n", in.ContextNotes)
	}
	if in.Notes != "" {
		fmt.Fprintf(&sb, "\nmemories: %s\n", in.Notes)
	}

	if len(in.History) > 0 {
		sb.WriteString("\n")
		for _, line := range in.History {
			fmt.Fprintf(&sb, "%s: %s\n", line.Speaker, line.Text)
		}
	}

	timestring := in.Now.Format("Monday, January 2, 2006 at 3:04pm")
	fmt.Fprintf(&sb, "%s %s:", timestring, b.BotName)

	return sb.String()
}
