package main

import (
	"os"

	"github.com/Fuabioo/flower-merge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
