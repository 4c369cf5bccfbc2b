package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/chanijjani/lingua-franca/config"
	"github.com/chanijjani/lingua-franca/engine"
	"github.com/chanijjani/lingua-franca/federate"
	"github.com/chanijjani/lingua-franca/lua"
	"github.com/chanijjani/lingua-franca/trace"
	"github.com/chanijjani/lingua-franca/tui"
	"github.com/chanijjani/lingua-franca/wire"
)

var version = "dev"

// Exit codes for startup failures, so operators can tell an unreachable
// RTI from a protocol mismatch.
const (
	exitConnectionExhausted = 2
	exitProtocolFailure     = 3
)

func main() {
	scenarioPath := flag.String("config", "", "federation scenario (.lua) to run")
	tracePath := flag.String("trace", "", "capture file (.pcap/.pcapng) to decode")
	savePath := flag.String("save", "", "write the normalized scenario to this path and exit")
	headless := flag.Bool("headless", false, "run the scenario without the monitor UI")
	flag.Parse()

	// Only create debug log in dev builds
	if version == "dev" {
		f, err := os.OpenFile("debug.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err == nil {
			log.SetOutput(f)
		}
	}

	switch {
	case *tracePath != "":
		os.Exit(decodeTrace(*tracePath))
	case *scenarioPath != "":
		os.Exit(runScenario(*scenarioPath, *savePath, *headless))
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func runScenario(path, savePath string, headless bool) int {
	cfg, err := lua.ReadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading scenario: %v\n", err)
		return 1
	}

	if savePath != "" {
		f, err := os.Create(savePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "saving scenario: %v\n", err)
			return 1
		}
		defer f.Close()
		if err := lua.WriteConfig(f, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "saving scenario: %v\n", err)
			return 1
		}
		return 0
	}

	appCfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading app config: %v\n", err)
		appCfg = config.Default()
	}

	logLines := cfg.Globals.LogLines
	if logLines <= 0 {
		logLines = appCfg.LogLines
	}

	e := engine.NewEngine(cfg, appCfg.LogsDir, logLines)
	defer e.Log.Close()

	if err := e.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "starting federation: %v\n", err)
		return 1
	}

	if headless {
		return waitHeadless(e)
	}

	if err := tui.Run(e, cfg, version); err != nil {
		log.Printf("monitor error: %v", err)
		e.StopAll()
		return 1
	}
	return exitCode(e.FirstError())
}

func waitHeadless(e *engine.Engine) int {
	for e.IsRunning() {
		time.Sleep(100 * time.Millisecond)
	}
	e.StopAll()
	fmt.Print(e.Log.ReadAll())
	return exitCode(e.FirstError())
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, federate.ErrConnectionExhausted):
		return exitConnectionExhausted
	case errors.Is(err, federate.ErrProtocolViolation),
		errors.Is(err, federate.ErrRegistrationFailed):
		return exitProtocolFailure
	default:
		return 1
	}
}

var (
	traceFlow  = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	traceTag   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	traceField = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4A956"))
)

func decodeTrace(path string) int {
	records, err := trace.ReadCapture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading capture: %v\n", err)
		return 1
	}

	for _, r := range records {
		fmt.Printf("%s %s %s\n",
			traceFlow.Render(fmt.Sprintf("%s -> %s", r.Src, r.Dst)),
			traceTag.Render(tagName(r.Frame.Tag)),
			traceField.Render(describeFrame(r)),
		)
	}
	fmt.Printf("%d frames\n", len(records))
	return 0
}

func tagName(tag byte) string {
	switch tag {
	case wire.TagFederateID:
		return "FED_ID"
	case wire.TagTimestamp:
		return "TIMESTAMP"
	case wire.TagMessage:
		return "MESSAGE"
	case wire.TagTimedMessage:
		return "TIMED_MESSAGE"
	default:
		return fmt.Sprintf("TAG(%d)", tag)
	}
}

func describeFrame(r trace.Record) string {
	f := r.Frame
	switch f.Tag {
	case wire.TagFederateID:
		return fmt.Sprintf("id=%d", f.ID)
	case wire.TagTimestamp:
		return fmt.Sprintf("t=%d", f.Timestamp)
	case wire.TagTimedMessage:
		return fmt.Sprintf("port=%d federate=%d t=%d len=%d",
			f.Port, f.Federate, f.Timestamp, len(f.Payload))
	default:
		return fmt.Sprintf("port=%d federate=%d len=%d", f.Port, f.Federate, len(f.Payload))
	}
}
