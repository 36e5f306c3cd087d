// Package shell implements an interactive session on a single map.
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/gobwas/glob"

	"github.com/alpacahq/durablemap/cmd/common"
	"github.com/alpacahq/durablemap/cmd/kv"
)

const helpText = `commands:
  get <key>              print the value of key
  put <key> <value>      store value under key
  remove <key>           delete key
  keys [pattern]         list the keys matching a glob pattern
  dump [pattern]         list the entries matching a glob pattern
  stats                  print the size of the map
  flush                  flush the map to disk
  help                   print this help
  exit                   leave the session
`

// Client evaluates session commands against one map.
type Client struct {
	m    *common.StringMap
	name string
	out  io.Writer
}

func NewClient(m *common.StringMap, name string, out io.Writer) *Client {
	return &Client{m: m, name: name, out: out}
}

// Read kicks off the input evaluation loop.
func (c *Client) Read() error {
	r, err := newReader()
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Fprintf(os.Stderr, "Connected to %s. Type `help` to see command options\n", c.name)

	for {
		line, err := r.Readline()
		if errors.Is(err, io.EOF) {
			return nil
		}
		// Printed interrupt prompt.
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			continue
		}
		if quit := c.Eval(line); quit {
			return nil
		}
	}
}

// Eval runs one command line and reports whether the session should end.
func (c *Client) Eval(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "exit", "quit", `\q`:
		return true
	case "help", `\?`:
		fmt.Fprint(c.out, helpText)
	case "get":
		err = c.get(args)
	case "put":
		// values may hold spaces
		err = c.put(args, strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "put")))
	case "remove", "rm":
		err = c.remove(args)
	case "keys":
		err = c.dump(args, true)
	case "dump":
		err = c.dump(args, false)
	case "stats":
		fmt.Fprintf(c.out, "keys: %d, records: %d, compaction score: %.4f\n",
			c.m.Size(), c.m.RecordsCount(), c.m.CompactionScore())
	case "flush":
		err = c.m.Flush()
	default:
		err = fmt.Errorf("unknown command %q, type `help` to see command options", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "ERROR: %v\n", err)
	}
	return false
}

func (c *Client) get(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	value, ok, err := c.m.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(c.out, "(not found)")
		return nil
	}
	fmt.Fprintln(c.out, value)
	return nil
}

func (c *Client) put(args []string, rest string) error {
	if len(args) < 2 {
		return errors.New("usage: put <key> <value>")
	}
	value := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
	return c.m.Put(args[0], value)
}

func (c *Client) remove(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove <key>")
	}
	return c.m.Remove(args[0])
}

func (c *Client) dump(args []string, keysOnly bool) error {
	pattern := "*"
	if len(args) > 0 {
		pattern = args[0]
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return kv.Dump(c.out, c.m, g, keysOnly)
}

func newReader() (*readline.Instance, error) {
	// Determine history file path.
	usr, err := user.Current()
	if err != nil {
		return nil, errors.New("unable to obtain home directory")
	}
	history := filepath.Join(usr.HomeDir, ".durablemapHistory")

	// Register commands with autocompletion.
	autoComplete := readline.NewPrefixCompleter(
		readline.PcItem("get"),
		readline.PcItem("put"),
		readline.PcItem("remove"),
		readline.PcItem("keys"),
		readline.PcItem("dump"),
		readline.PcItem("stats"),
		readline.PcItem("flush"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)

	config := &readline.Config{
		Prompt:          "\033[31m»\033[0m ",
		HistoryFile:     history,
		AutoComplete:    autoComplete,
		InterruptPrompt: "\nInterrupt, Press Ctrl+D to exit",
		EOFPrompt:       "exit",
	}

	return readline.NewEx(config)
}
