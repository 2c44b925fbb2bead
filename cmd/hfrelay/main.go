package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/hfrelay/internal/cli/push"
	"github.com/sheerbytes/hfrelay/internal/termio"
)

const version = "v0.1.0"

func main() {
	termio.Init()
	root := &cobra.Command{
		Use:     "hfrelay",
		Short:   "Relay Hugging Face model repositories to a remote cache",
		Version: version,
	}
	root.SetOut(termio.Stdout())
	root.SetErr(termio.Stderr())
	root.AddCommand(push.NewCommand(version))

	err := root.Execute()
	termio.Flush()
	if err != nil {
		os.Exit(1)
	}
}
