package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(12)

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
)

// styled reports whether stdout is a terminal worth decorating.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !styled() {
		return s
	}
	return style.Render(s)
}

func printTitle(s string) {
	fmt.Println(render(titleStyle, s))
}

// printField prints an aligned "label: value" line.
func printField(label, value string) {
	if !styled() {
		fmt.Printf("%-12s%s\n", label+":", value)
		return
	}
	fmt.Println(labelStyle.Render(label+":") + value)
}

func printOK(s string) {
	fmt.Println(render(okStyle, s))
}

func printErr(s string) {
	fmt.Fprintln(os.Stderr, render(errStyle, s))
}
