package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/airframesio/table-archiver/cmd"
	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FF0000")).
		Bold(true)
)

func main() {
	// Register signals before Cobra and the drivers initialize
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The first signal stops the run after the current batch; restoring the
	// default handler lets a second one terminate immediately
	go func() {
		<-ctx.Done()
		stop()
	}()

	cmd.SetSignalContext(ctx)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("❌ Error: "+err.Error()))
		os.Exit(1)
	}
}
