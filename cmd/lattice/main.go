// Command lattice manages entities and their relationships from the shell.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	a := newApp(prometheus.NewRegistry())
	err := a.rootCmd().Execute()
	if cerr := a.close(os.Stderr); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
