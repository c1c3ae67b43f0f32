package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/me/evalflow/internal/cli"
	"github.com/me/evalflow/pkg/model"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, model.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
