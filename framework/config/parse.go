/*
Package Tracking System - email subscription bus for package metadata.
Copyright © 2023 The Package Tracking System developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config provides a set of utilities for configuration parsing.
//
// The configuration format is line-oriented: each directive occupies one
// line and consists of a name followed by zero or more arguments. A
// directive may be followed by a brace-delimited block of child directives:
//
//	name arg0 arg1 {
//		child0
//		child1 arg
//	}
//
// Arguments containing whitespace can be enclosed in double quotes, where
// the quote character itself is escaped with a backslash. Everything from a
// '#' character to the end of line is a comment. An argument of the form
// {env:NAME} is replaced with the value of the NAME environment variable.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
)

// Node describes a parsed configuration block or a simple directive.
type Node struct {
	// Name is the first string at node's line.
	Name string
	// Args are any strings placed after the node name.
	Args []string

	// Children contains all child directives if the node is a block.
	// It is nil for plain directives.
	Children []Node

	// File is the name of node's source file.
	File string

	// Line is the line number where the directive is located in the source
	// file. For blocks this is the line of the "block header" (name + args).
	Line int
}

// NodeErr returns an error formatted with the node source location prefixed
// when it is known.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

type token struct {
	text string
	line int
	// Set for the implicit directive terminator so quoted "\n" arguments
	// are not confused with it.
	newline bool
}

// tokenize splits the input into words. A word is delimited by whitespace
// unless it starts with a double quote, in which case it continues until the
// closing quote. Newlines are emitted as separate terminator tokens because
// the grammar is line-oriented.
func tokenize(r io.Reader) ([]token, error) {
	var (
		toks    []token
		val     []rune
		quoted  bool
		escaped bool
		comment bool
		line    = 1
	)

	flush := func() {
		if len(val) == 0 {
			return
		}
		toks = append(toks, token{text: string(val), line: line})
		val = val[:0]
	}

	br := bufio.NewReader(r)
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			if quoted {
				return nil, errors.New("config: unterminated quoted string")
			}
			flush()
			toks = append(toks, token{line: line, newline: true})
			return toks, nil
		}

		if quoted {
			if !escaped {
				if ch == '\\' {
					escaped = true
					continue
				}
				if ch == '"' {
					// Explicitly terminate the token so empty quoted
					// strings produce an argument too.
					toks = append(toks, token{text: string(val), line: line})
					val = val[:0]
					quoted = false
					continue
				}
			}
			if escaped && ch != '"' {
				val = append(val, '\\')
			}
			if ch == '\n' {
				line++
			}
			val = append(val, ch)
			escaped = false
			continue
		}

		if ch == '\n' {
			flush()
			toks = append(toks, token{line: line, newline: true})
			line++
			comment = false
			continue
		}
		if comment {
			continue
		}
		if unicode.IsSpace(ch) {
			flush()
			continue
		}
		if ch == '#' {
			flush()
			comment = true
			continue
		}
		if ch == '"' && len(val) == 0 {
			quoted = true
			continue
		}

		val = append(val, ch)
	}
}

type parser struct {
	toks []token
	pos  int
	file string
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}

	allowedPunct := map[rune]bool{'.': true, '-': true, '_': true}
	for _, ch := range s {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && !allowedPunct[ch] {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}
	return nil
}

// readNodes reads directives until the closing brace of the current block or
// EOF for the top-level one.
func (p *parser) readNodes(nesting int) ([]Node, error) {
	if nesting > 255 {
		return nil, errors.New("config: nesting limit reached")
	}

	var res []Node
	for {
		tok, ok := p.next()
		if !ok {
			if nesting != 0 {
				return res, errors.New("config: unexpected EOF when looking for }")
			}
			return res, nil
		}
		if tok.newline {
			continue
		}
		if tok.text == "}" {
			if nesting == 0 {
				return res, fmt.Errorf("%s:%d: unexpected }", p.file, tok.line)
			}
			return res, nil
		}

		node := Node{
			Name: tok.text,
			File: p.file,
			Line: tok.line,
		}
		if err := validateNodeName(node.Name); err != nil {
			return res, NodeErr(node, "%v", err)
		}

	args:
		for {
			tok, ok := p.next()
			if !ok || tok.newline {
				break args
			}
			switch tok.text {
			case "{":
				children, err := p.readNodes(nesting + 1)
				if err != nil {
					return res, err
				}
				// Empty but non-nil so blocks are distinguishable from
				// plain directives.
				if children == nil {
					children = []Node{}
				}
				node.Children = children
				break args
			default:
				node.Args = append(node.Args, expandEnvironment(tok.text))
			}
		}

		res = append(res, node)
	}
}

func expandEnvironment(arg string) string {
	if !strings.HasPrefix(arg, "{env:") || !strings.HasSuffix(arg, "}") {
		return arg
	}
	return os.Getenv(arg[len("{env:") : len(arg)-1])
}

// Read parses the configuration from the provided Reader. location is used
// in error messages and Node.File.
func Read(r io.Reader, location string) ([]Node, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, err
	}
	p := parser{toks: toks, file: location}
	return p.readNodes(0)
}

// ReadFile is a Read wrapper that opens the file at the given path.
func ReadFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}
