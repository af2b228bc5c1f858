package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/procmon/internal/models"
)

// Suggestions provides autocomplete for the command bar. "/" completes
// commands and "@" completes client references.
type Suggestions struct {
	commands    []SuggestionItem
	clients     []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	prefix      string
}

// SuggestionItem represents a single autocomplete suggestion.
type SuggestionItem struct {
	Text        string
	Description string
	// Value is inserted into the input when the item is accepted.
	Value string
}

var commandSuggestions = []SuggestionItem{
	{Text: "run", Description: "Query all active clients now", Value: "run"},
	{Text: "run @", Description: "Query selected clients", Value: "run @"},
	{Text: "cancel", Description: "Cancel the active run", Value: "cancel"},
	{Text: "time", Description: "Set the daily query time (HH:MM)", Value: "time "},
	{Text: "read", Description: "Mark the selected notification read", Value: "read"},
	{Text: "refresh", Description: "Reload everything", Value: "refresh"},
	{Text: "quit", Description: "Exit", Value: "quit"},
}

// NewSuggestions creates a new suggestions handler.
func NewSuggestions() *Suggestions {
	return &Suggestions{commands: commandSuggestions}
}

// SetClients replaces the "@" reference list.
func (s *Suggestions) SetClients(clients []models.Client) {
	s.clients = make([]SuggestionItem, 0, len(clients))
	for i := range clients {
		c := &clients[i]
		s.clients = append(s.clients, SuggestionItem{
			Text:        c.Name,
			Description: c.ProcessRef(),
			Value:       c.ID,
		})
	}
}

// Update recomputes suggestions for the current input. Only the last word
// is completed.
func (s *Suggestions) Update(input string) {
	word := lastWord(input)
	switch {
	case strings.HasPrefix(input, "/") && !strings.Contains(input, " "):
		s.prefix = "/"
		s.visible = true
		s.filter(s.commands, strings.TrimPrefix(input, "/"))
	case strings.HasPrefix(word, "@"):
		s.prefix = "@"
		s.visible = true
		s.filter(s.clients, strings.TrimPrefix(word, "@"))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// Accept returns input with the last word replaced by the selected value.
func (s *Suggestions) Accept(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	if s.prefix == "/" {
		return sel.Value
	}
	word := lastWord(input)
	return strings.TrimSuffix(input, word) + sel.Value + " "
}

func lastWord(input string) string {
	if i := strings.LastIndex(input, " "); i >= 0 {
		return input[i+1:]
	}
	return input
}

func (s *Suggestions) filter(items []SuggestionItem, query string) {
	query = strings.ToLower(query)
	s.selectedIdx = 0
	if query == "" {
		s.filtered = items
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Text), query) || strings.Contains(strings.ToLower(item.Description), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion.
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion.
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(width - 4)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	selStyle := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)

	header := "Commands"
	if s.prefix == "@" {
		header = "Clients"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return boxStyle.Render(b.String())
}
