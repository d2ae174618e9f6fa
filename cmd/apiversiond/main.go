package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

func main() {
	cmd, err := NewLauncher().NewCommand(context.Background(), viper.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
