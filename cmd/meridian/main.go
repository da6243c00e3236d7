package main

import (
	"os"

	"github.com/meridianfin/meridian/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
