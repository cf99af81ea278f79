package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/oxidekit/oxidepm/pkg/ipc"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

func dial(o *globalOptions) *ipc.Client {
	c, err := ipc.Dial(o.socketPath(), o.callTimeout())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprintln(os.Stderr, "is oxipmd running?")
		os.Exit(2)
	}
	return c
}

func call(o *globalOptions, req ipc.Request) ipc.Response {
	c := dial(o)
	defer c.Close()
	responses, err := c.Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if len(responses) == 0 {
		fmt.Fprintln(os.Stderr, "daemon closed the connection without answering")
		os.Exit(2)
	}
	return responses[0]
}

func exitOn(resp ipc.Response) {
	if code := ipc.ExitCode(resp.Kind); code != 0 {
		if resp.Reason != "" {
			fmt.Fprintln(os.Stderr, resp.Reason)
		} else {
			fmt.Fprintln(os.Stderr, resp.Kind)
		}
		os.Exit(code)
	}
}

func printSummaries(summaries []spec.Summary) {
	fmt.Printf("%-6s %-20s %-10s %-8s %-8s\n", "ID", "NAME", "STATUS", "PID", "RESTARTS")
	for _, s := range summaries {
		fmt.Printf("%-6d %-20s %-10s %-8d %-8d\n", s.Spec.ID, s.Spec.Name, s.State.Status, s.State.Pid, s.State.RestartCount)
	}
}

type listCmd struct {
	opts     *globalOptions
	Selector string `short:"s" long:"selector" default:"all" description:"id, name, @tag, or all"`
}

func (c *listCmd) Execute(args []string) error {
	resp := call(c.opts, ipc.Request{Kind: ipc.ReqList, Selector: c.Selector})
	exitOn(resp)
	printSummaries(resp.Summaries)
	return nil
}

type showCmd struct {
	opts *globalOptions
}

func (c *showCmd) Execute(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: oxipm show <selector>")
	}
	resp := call(c.opts, ipc.Request{Kind: ipc.ReqShow, Selector: args[0]})
	exitOn(resp)
	printSummaries(resp.Summaries)
	return nil
}

type startCmd struct {
	opts *globalOptions

	Name     string            `long:"name" required:"true"`
	Mode     string            `long:"mode" default:"raw-command"`
	Args     []string          `long:"arg"`
	Cwd      string            `long:"cwd"`
	Tags     []string          `long:"tag"`
	Env      map[string]string `long:"env"`
	Instances int              `long:"instances" default:"1"`
}

func (c *startCmd) Execute(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: oxipm start --name <name> [flags] <command>")
	}
	s := spec.ProcessSpec{
		Name:      c.Name,
		Mode:      spec.Mode(c.Mode),
		Command:   args[0],
		Args:      c.Args,
		Cwd:       c.Cwd,
		Tags:      c.Tags,
		Env:       c.Env,
		Instances: c.Instances,
		Restart:   spec.DefaultRestartPolicy(),
	}
	resp := call(c.opts, ipc.Request{Kind: ipc.ReqRegister, Spec: &s})
	exitOn(resp)
	printSummaries(resp.Summaries)
	return nil
}

type signalCmd struct {
	opts *globalOptions
	op   string
}

func (c *signalCmd) Execute(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: oxipm %s <selector>", c.op)
	}
	resp := call(c.opts, ipc.Request{Kind: ipc.ReqSignal, Selector: args[0], Op: ipc.SignalOp(c.op)})
	exitOn(resp)
	if len(resp.Summaries) > 0 {
		printSummaries(resp.Summaries)
	}
	return nil
}

type logsCmd struct {
	opts *globalOptions

	Lines  int    `short:"n" long:"lines" default:"20"`
	Follow bool   `short:"f" long:"follow"`
	Grep   string `long:"grep"`
}

func (c *logsCmd) Execute(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: oxipm logs <selector>")
	}
	cl := dial(c.opts)
	defer cl.Close()

	req := ipc.Request{Kind: ipc.ReqLogs, Selector: args[0], LogLines: c.Lines, LogFollow: c.Follow, LogGrep: c.Grep}
	err := cl.Stream(req, func(resp ipc.Response) bool {
		if resp.Kind != ipc.RespLogLine {
			exitOn(resp)
			return true
		}
		if resp.LogGap {
			fmt.Println("--- log gap ---")
			return true
		}
		fmt.Printf("%s | %s\n", strings.ToUpper(resp.LogStream), resp.LogText)
		return true
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	return nil
}

type saveCmd struct {
	opts *globalOptions
}

func (c *saveCmd) Execute(args []string) error {
	exitOn(call(c.opts, ipc.Request{Kind: ipc.ReqSave}))
	return nil
}

type resurrectCmd struct {
	opts *globalOptions
}

func (c *resurrectCmd) Execute(args []string) error {
	exitOn(call(c.opts, ipc.Request{Kind: ipc.ReqResurrect}))
	return nil
}

type pingCmd struct {
	opts *globalOptions
}

func (c *pingCmd) Execute(args []string) error {
	resp := call(c.opts, ipc.Request{Kind: ipc.ReqPing})
	exitOn(resp)
	fmt.Println("pong")
	return nil
}
