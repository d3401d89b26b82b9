package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run opens the terminal chat. Every prompt goes through submit; replies arrive as sends and
// edits on console.
func Run(ctx context.Context, console *Console, submit Submitter, info RuntimeInfo) error {
	program := tea.NewProgram(newModel(ctx, submit, info), tea.WithContext(ctx), tea.WithMouseCellMotion())
	console.attach(program.Send)
	defer console.attach(nil)

	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("📡 Thanks for using StreamBridge")
}
