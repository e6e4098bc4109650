// cmd/tools/docgen-render/main.go
//
// Operator tool for the document pipeline.
//
// Usage:
//
//	docgen-render render --prompt "Invoice for ACME" --out invoice.pdf
//	docgen-render detect --text "مرحبا بالعالم"
//	docgen-render batch --max-jobs 20 --max-wall 50s
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:           "docgen-render",
		Usage:          "Render, inspect and drain document generation jobs",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a config file; defaults and environment are used when empty",
				EnvVars: []string{"DOCGEN_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			renderCommand(),
			detectCommand(),
			batchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler keeps exit codes set with cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
