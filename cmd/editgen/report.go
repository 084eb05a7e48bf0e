package main

import (
	"fmt"
	"strings"

	"attnedit/pkg/control/store"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
)

// rankingTable renders one row per edited prompt with its layers, most attended
// first, and their normalised scores.
func rankingTable(title string, rankings []store.Ranking, edited []string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Prompt", "Layers", "Scores")

	for i, ranking := range rankings {
		prompt := fmt.Sprintf("#%d", i+1)
		if i < len(edited) {
			prompt = edited[i]
		}
		layers := make([]string, len(ranking.Layers))
		scores := make([]string, len(ranking.Scores))
		for j := range ranking.Layers {
			layers[j] = fmt.Sprint(ranking.Layers[j])
			scores[j] = fmt.Sprintf("%.2f", ranking.Scores[j])
		}
		table.Row(prompt, strings.Join(layers, " "), strings.Join(scores, " "))
	}
	return titleStyle.Render(title) + "\n" + table.Render()
}

// storeReport renders the layer importance rankings of s. Prompts are the
// generated prompts, the source first.
func storeReport(s *store.Store, prompts []string, wordPiece int) (string, error) {
	selfCount, crossCount := s.Len()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Recorded %s self and %s cross-attention maps (%s)\n",
		humanize.Comma(int64(selfCount)), humanize.Comma(int64(crossCount)), humanize.Bytes(uint64(s.SizeBytes())))

	self, err := s.SelfAttentionImportance()
	if err != nil {
		return "", err
	}
	sb.WriteString(rankingTable("Self-attention layer importance", self, prompts[1:]))
	sb.WriteString("\n")

	cross, err := s.CrossAttentionImportance(wordPiece)
	if err != nil {
		return "", err
	}
	sb.WriteString(rankingTable(fmt.Sprintf("Cross-attention layer importance for word piece %d", wordPiece), cross, prompts[1:]))
	sb.WriteString("\n")
	return sb.String(), nil
}
