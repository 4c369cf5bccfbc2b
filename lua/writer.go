package lua

import (
	"fmt"
	"io"

	"github.com/chanijjani/lingua-franca/types"
)

// WriteConfig emits a scenario as a Lua file ReadConfig can load back.
// Structured payloads are not written; they only occur in hand-authored
// scenarios.
func WriteConfig(w io.Writer, cfg *types.Config) error {
	fmt.Fprintln(w, "local scenario = {}")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "-- GLOBALS ----------------------------------------")
	fmt.Fprintln(w, "scenario.globals = {")
	fmt.Fprintf(w, "\trti_host = %q,\n", cfg.Globals.RTIHost)
	fmt.Fprintf(w, "\trti_port = %d,\n", cfg.Globals.RTIPort)
	fmt.Fprintf(w, "\tretry_interval_ms = %d,\n", cfg.Globals.RetryIntervalMs)
	fmt.Fprintf(w, "\tmax_retries = %d,\n", cfg.Globals.MaxRetries)
	fmt.Fprintf(w, "\tduration_ms = %d,\n", cfg.Globals.DurationMs)
	fmt.Fprintf(w, "\tstart_grace_ms = %d,\n", cfg.Globals.StartGraceMs)
	fmt.Fprintln(w, "}")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "-- FEDERATES --------------------------------------")
	fmt.Fprintln(w, "scenario.federates = {")
	for _, f := range cfg.Federates {
		fmt.Fprintln(w, "\t{")
		fmt.Fprintf(w, "\t\tid = %d,\n", f.ID)
		fmt.Fprintf(w, "\t\tname = %q,\n", f.Name)
		fmt.Fprintln(w, "\t},")
	}
	fmt.Fprintln(w, "}")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "-- MESSAGES ----------------------------------------")
	fmt.Fprintln(w, "scenario.messages = {")
	for _, m := range cfg.Messages {
		fmt.Fprintln(w, "\t{")
		fmt.Fprintf(w, "\t\tfrom = %d,\n", m.From)
		fmt.Fprintf(w, "\t\tto = %d,\n", m.To)
		fmt.Fprintf(w, "\t\tport = %d,\n", m.Port)
		fmt.Fprintf(w, "\t\tkind = %q,\n", m.Kind)
		fmt.Fprintf(w, "\t\tvalue = %q,\n", m.Value)
		fmt.Fprintf(w, "\t\tt_delta = %d,\n", m.TDelta)
		fmt.Fprintln(w, "\t},")
	}
	fmt.Fprintln(w, "}")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "return scenario")

	return nil
}
