package lua

import (
	"fmt"

	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/chanijjani/lingua-franca/types"
)

// ReadConfig loads a federation scenario from a Lua file. The file must
// return a table with globals, federates and messages sections.
func ReadConfig(path string) (*types.Config, error) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoFile(path); err != nil {
		return nil, err
	}

	// Lua file returns the scenario table
	lv := L.Get(-1)
	table, ok := lv.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua file did not return a table")
	}

	var cfg types.Config

	// Map Lua table → Go struct
	if err := gluamapper.Map(table, &cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	// Index messages for O(1) lookup
	cfg.IndexMessages()

	return &cfg, nil
}

// ValidateConfig checks the cross references and value ranges a scenario
// must satisfy before the engine will run it.
func ValidateConfig(cfg *types.Config) error {
	if len(cfg.Federates) == 0 {
		return fmt.Errorf("no federates defined")
	}

	federates := make(map[int]bool)
	for i, f := range cfg.Federates {
		if f.ID < 0 || f.ID > 65535 {
			return fmt.Errorf("federate %d: id %d out of range", i, f.ID)
		}
		if federates[f.ID] {
			return fmt.Errorf("federate %d: duplicate id %d", i, f.ID)
		}
		federates[f.ID] = true
	}

	for i, msg := range cfg.Messages {
		if !federates[msg.From] {
			return fmt.Errorf("message %d: invalid from id %d", i, msg.From)
		}
		if !federates[msg.To] {
			return fmt.Errorf("message %d: invalid to id %d", i, msg.To)
		}
		if msg.Port < 0 || msg.Port > 65535 {
			return fmt.Errorf("message %d: port %d out of range", i, msg.Port)
		}
		if msg.Kind != "plain" && msg.Kind != "timed" {
			return fmt.Errorf("message %d: unknown kind %q", i, msg.Kind)
		}
		if msg.TDelta < 0 {
			return fmt.Errorf("message %d: negative t_delta %d", i, msg.TDelta)
		}
	}

	return nil
}
