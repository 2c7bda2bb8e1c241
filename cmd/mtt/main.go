package main

import (
	"fmt"
	"os"

	"github.com/alexisbeaulieu97/mtt/internal/plugins/reporters"
)

func main() {
	reporters.ClientVersion = version
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
