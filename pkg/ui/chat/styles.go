package chat

import "github.com/charmbracelet/lipgloss"

// Console palette, 256-color codes.
const (
	colorInk      = lipgloss.Color("16")
	colorPaper    = lipgloss.Color("231")
	colorSignal   = lipgloss.Color("39")
	colorLive     = lipgloss.Color("48")
	colorUser     = lipgloss.Color("177")
	colorWarn     = lipgloss.Color("221")
	colorFail     = lipgloss.Color("203")
	colorMuted    = lipgloss.Color("245")
	colorPanel    = lipgloss.Color("234")
	colorBackdrop = lipgloss.Color("233")
)

type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	bootLine   lipgloss.Style
	bootDone   lipgloss.Style

	userBox        lipgloss.Style
	userTitle      lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	// liveBox frames the reply that is still receiving edits.
	liveBox    lipgloss.Style
	errorBox   lipgloss.Style
	errorTitle lipgloss.Style

	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	viewport   lipgloss.Style
}

func cardBox(border lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Background(colorPanel).
		Padding(0, 1)
}

func cardTitle(background lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(colorInk).
		Background(background).
		Padding(0, 1)
}

func defaultTheme() theme {
	bold := lipgloss.NewStyle().Bold(true)

	return theme{
		header:     bold.Padding(0, 1).Foreground(colorPaper).Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().Foreground(colorSignal),
		divider:    lipgloss.NewStyle().Foreground(lipgloss.Color("24")),
		bootLine:   lipgloss.NewStyle().Foreground(colorMuted),
		bootDone:   bold.Foreground(colorLive),

		userBox:        cardBox(colorUser),
		userTitle:      cardTitle(colorUser),
		assistantBox:   cardBox(colorSignal),
		assistantTitle: cardTitle(colorSignal),
		liveBox:        cardBox(colorLive).BorderStyle(lipgloss.ThickBorder()),
		errorBox:       cardBox(colorFail).Foreground(colorFail),
		errorTitle:     cardTitle(colorFail).Foreground(colorPaper),

		status:     bold.Foreground(colorMuted),
		statusBusy: bold.Foreground(colorWarn),
		statusErr:  bold.Foreground(colorFail),
		hint:       lipgloss.NewStyle().Foreground(colorMuted),
		inputLabel: bold.Foreground(colorUser),
		input: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorSignal).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("24")).
			Background(colorBackdrop).
			Padding(0, 1),
	}
}
