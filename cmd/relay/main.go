package main

import (
	"fmt"
	"os"

	"github.com/Impact-Idol/ChatSDK-sub001/cmd/internal/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}
