package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/control"
)

func controlCmd(args []string) error {
	fs := newFlagSet("control", "[command]")
	addr := fs.StringP("addr", "a", config.DefaultControlAddress, "builder control address")
	timeout := fs.Duration("timeout", 2*time.Second, "dial and request timeout")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	ctx := context.Background()
	client, err := control.Dial(ctx, *addr, *timeout)
	if err != nil {
		return err
	}
	defer client.Close()

	if line := joinArgs(fs.Args()); line != "" {
		value, err := client.Do(ctx, line)
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		shell(ctx, client, *addr)
		return nil
	}
	return script(ctx, client, os.Stdin, os.Stdout)
}

// script sends every non-empty input line and prints the replies. The
// first failing command ends it.
func script(ctx context.Context, client *control.Client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		value, err := client.Do(ctx, line)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		fmt.Fprintln(out, value)
	}
	return scanner.Err()
}

func shell(ctx context.Context, client *control.Client, addr string) {
	fmt.Printf("connected to %s, \"help\" lists commands, \"quit\" leaves\n", addr)

	executor := func(in string) {
		in = strings.TrimSpace(in)
		if in == "" || isExit(in) {
			return
		}
		if cmd, err := control.ParseCommand(in); err == nil && cmd == control.CmdHelp {
			for _, u := range control.Usage() {
				fmt.Println(u)
			}
			return
		}
		value, err := client.Do(ctx, in)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(value)
	}

	p := prompt.New(executor, completer,
		prompt.OptionPrefix(addr+"> "),
		prompt.OptionTitle("daqctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(strings.TrimSpace(in))
		}),
	)
	p.Run()
}

func isExit(in string) bool {
	return in == "quit" || in == "exit"
}

var suggestions = func() []prompt.Suggest {
	var out []prompt.Suggest
	for _, u := range control.Usage() {
		name, desc, _ := strings.Cut(u, "\t")
		out = append(out, prompt.Suggest{Text: name, Description: desc})
	}
	return out
}()

func completer(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}
