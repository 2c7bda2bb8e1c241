package plugin

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748B"))
)

// WriteDescription prints the option table of desc. styled enables
// terminal colors.
func WriteDescription(w io.Writer, desc Descriptor, styled bool) error {
	title := fmt.Sprintf("%s (%s, priority %d)", desc.ID(), desc.Kind, desc.Priority)
	source := "source: " + desc.Source
	if styled {
		title = headingStyle.Render(title)
		source = mutedStyle.Render(source)
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n", title, source); err != nil {
		return err
	}
	if len(desc.Options) == 0 {
		_, err := fmt.Fprintln(w, "  (no options)")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  OPTION\tDEFAULT\tDESCRIPTION")
	for _, opt := range desc.Options {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", opt.Name, formatDefault(opt.Default), opt.Description)
	}
	return tw.Flush()
}

func formatDefault(v any) string {
	switch typed := v.(type) {
	case nil:
		return "-"
	case []string:
		return "[" + strings.Join(typed, ",") + "]"
	case string:
		if typed == "" {
			return `""`
		}
		return typed
	default:
		return fmt.Sprint(typed)
	}
}
