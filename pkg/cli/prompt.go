// Package cli implements the line-oriented prompts behind fleetd init.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads wizard answers from In and writes questions to Out.
// The zero reader position is consumed left to right, one answer per line.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter prompts on the process terminal.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, _ := p.r.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask poses a question and returns the answer, or defaultVal on a blank
// line.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads an answer without echo when In is a terminal. Piped
// input (tests, scripts) degrades to a plain line read.
func (p *Prompter) AskPassword(question string) string {
	fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// Choose lists the options numbered from 1 and reprompts until one is
// picked. A blank line takes the default.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
	}
	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "Enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question. Anything starting with y or Y counts as
// yes; a blank line takes the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
