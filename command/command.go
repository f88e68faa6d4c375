// Package command is the table module init hooks register user commands
// into.
package command

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sliverarmory/bootmod/namedlist"
)

var (
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrUnknownCommand   = errors.New("unknown command")
)

// Func runs a command with its arguments, writing output to out.
type Func func(out io.Writer, args []string) error

type Command struct {
	name    string
	Summary string
	// Module names the module that registered the command.
	Module string
	Run    Func

	elem *namedlist.Element[*Command]
}

func (c *Command) Name() string {
	return c.name
}

type Table struct {
	mu       sync.Mutex
	commands namedlist.List[*Command]
}

func NewTable() *Table {
	return &Table{}
}

// Register adds a command owned by module.
func (table *Table) Register(name, module, summary string, run Func) (*Command, error) {
	table.mu.Lock()
	defer table.mu.Unlock()
	if _, ok := table.commands.Find(name); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	c := &Command{name: name, Summary: summary, Module: module, Run: run}
	c.elem = table.commands.PushFront(c)
	return c, nil
}

// Unregister removes c.
func (table *Table) Unregister(c *Command) {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.commands.Remove(c.elem)
}

// UnregisterModule removes every command module registered and returns how
// many there were.
func (table *Table) UnregisterModule(module string) int {
	table.mu.Lock()
	defer table.mu.Unlock()
	n := 0
	for c := range table.commands.All() {
		if c.Module == module {
			table.commands.Remove(c.elem)
			n++
		}
	}
	return n
}

func (table *Table) Find(name string) (*Command, bool) {
	table.mu.Lock()
	defer table.mu.Unlock()
	e, ok := table.commands.Find(name)
	if !ok {
		return nil, false
	}
	return e.Value(), true
}

// Names lists registered commands, most recent first.
func (table *Table) Names() []string {
	table.mu.Lock()
	defer table.mu.Unlock()
	var out []string
	for c := range table.commands.All() {
		out = append(out, c.name)
	}
	return out
}

// Run invokes the named command. The table lock is not held while it runs.
func (table *Table) Run(out io.Writer, name string, args ...string) error {
	c, ok := table.Find(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if c.Run == nil {
		return nil
	}
	return c.Run(out, args)
}
