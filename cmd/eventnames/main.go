package main

import (
	"encoding/json"
	"fmt"
	"os"

	"tabchat/internal/protocol"
)

// eventnames prints the effective event names as JSON. With a file argument
// the overrides are merged and validated first, so the output is a complete
// file that can be edited and passed through EVENT_NAMES_FILE.
func main() {
	if len(os.Args) > 2 {
		fmt.Println("Usage: eventnames [overrides.json]")
		os.Exit(1)
	}

	var path string
	if len(os.Args) == 2 {
		path = os.Args[1]
	}

	names, err := protocol.LoadNames(path)
	if err != nil {
		fmt.Printf("Error loading event names: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(names); err != nil {
		fmt.Printf("Error encoding event names: %v\n", err)
		os.Exit(1)
	}
}
