package main

import (
	"fmt"
	"os"

	"github.com/christopherjohns/consultsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "consultsync:", err)
		os.Exit(1)
	}
}
