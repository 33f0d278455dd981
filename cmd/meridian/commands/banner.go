package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/sym"
	"github.com/teranos/meridian/version"
)

// printStartupBanner prints what the server is about to run
func printStartupBanner(verbosity int, dbPath string, cfg *am.Config) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println("meridian")

	longform := fmt.Sprintf("%s, threshold %d days, publish %02d:00 (default %s)",
		cfg.Longform.Timezone, cfg.Longform.BufferThresholdDays, cfg.Longform.PublishHour,
		onOff(cfg.Longform.Enabled))
	pipelineMode := "commands"
	if cfg.Pipeline.Simulate {
		pipelineMode = "simulated where no command is set"
	}

	data := pterm.TableData{
		{"Version", info.String()},
		{"Built", info.BuildTime},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Database", dbPath},
		{"Port", fmt.Sprintf("%d", cfg.Server.Port)},
		{sym.Slot + " Slots", fmt.Sprintf("%v %s", cfg.Autopublish.Slots, cfg.Autopublish.Timezone)},
		{sym.Buffer + " Long-form", longform},
		{sym.Pulse + " Workers", fmt.Sprintf("%d", cfg.Pulse.Workers)},
		{"Pipeline", pipelineMode},
	}
	_ = pterm.DefaultTable.WithData(data).WithLeftAlignment().Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
