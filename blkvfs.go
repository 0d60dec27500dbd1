package main

import (
	"os"

	"github.com/embd-io/go-blkvfs/config"
	"github.com/embd-io/go-blkvfs/example"
)

func main() {

	homeDir, _ := os.UserHomeDir()
	cfg := config.NewConfig([]string{
		"blkvfs.ini",
		homeDir + "/.blkvfs/blkvfs.ini",
	})

	example.Run(cfg)
}
