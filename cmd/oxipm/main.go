package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/oxidekit/oxidepm/pkg/config"
)

type globalOptions struct {
	Socket  string `long:"socket" description:"path to the daemon's control socket"`
	Timeout int    `long:"timeout" default:"5" description:"IPC call timeout in seconds"`
}

func main() {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)

	parser.AddCommand("list", "List managed instances", "", &listCmd{opts: &opts})
	parser.AddCommand("show", "Show one instance's detail", "", &showCmd{opts: &opts})
	parser.AddCommand("start", "Register and start a process", "", &startCmd{opts: &opts})
	parser.AddCommand("stop", "Stop instance(s)", "", &signalCmd{opts: &opts, op: "stop"})
	parser.AddCommand("restart", "Restart instance(s)", "", &signalCmd{opts: &opts, op: "restart"})
	parser.AddCommand("reload", "Reload instance(s)", "", &signalCmd{opts: &opts, op: "reload"})
	parser.AddCommand("delete", "Delete instance(s)", "", &signalCmd{opts: &opts, op: "delete"})
	parser.AddCommand("flush", "Flush log buffers for instance(s)", "", &signalCmd{opts: &opts, op: "flush-logs"})
	parser.AddCommand("logs", "Tail an instance's logs", "", &logsCmd{opts: &opts})
	parser.AddCommand("save", "Persist the current app list", "", &saveCmd{opts: &opts})
	parser.AddCommand("resurrect", "Restart every saved app", "", &resurrectCmd{opts: &opts})
	parser.AddCommand("ping", "Check whether the daemon is alive", "", &pingCmd{opts: &opts})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func (o *globalOptions) socketPath() string {
	if o.Socket != "" {
		return o.Socket
	}
	return config.DefaultConfig().SocketPath()
}

func (o *globalOptions) callTimeout() time.Duration {
	if o.Timeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.Timeout) * time.Second
}
