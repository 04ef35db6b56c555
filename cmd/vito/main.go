// Vito is a chat bot for Matrix rooms.
//
// Settings are read from a YAML (or legacy JSON) file, by default
// settings.yaml in the working directory. The path can be changed with
// --config or VITO_CONFIG, and individual keys can be overridden with
// VITO_* environment variables or a .env file next to the settings file.
//
// Usage:
//
//	vito [run]                      connect and serve until SIGINT/SIGTERM
//	vito config check               validate the settings file
//	vito memory get <user>          print a user's saved fact
//	vito memory set <user> <fact>   replace a user's saved fact
//	vito memory forget <user>       delete a user's saved fact
//	vito version                    print version information
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
