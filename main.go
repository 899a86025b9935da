// Command indexsync runs the incremental index synchronization process.
package main

import (
	"log"

	"indexsync.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
