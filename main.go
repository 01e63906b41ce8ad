package main

import "github.com/pinchtab/pinchtab/internal/cli"

// version is set at build time with -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
