package main

import (
	"fmt"
	"os"

	"github.com/autopeer-io/chargepeer/cmd/cpeer-chargectl/app"
)

func main() {
	if err := app.NewCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
