package shard

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports the first offending character of a sharding DSL text.
type ParseError struct {
	Position int    // byte offset into the parsed text
	Message  string // human-readable reason
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("sharding definition: position %d: %s", e.Position, e.Message)
}

func parseErrorf(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Position: pos, Message: fmt.Sprintf(format, args...)}
}

// ParseShardingDef parses the sharding DSL:
//
//	<prefix>(<shard_count>)[<hash_l>-<hash_h>] key1=val1,key2=val2 ...
//
// Entries are separated by whitespace. "(shard_count)" defaults to 1 and
// "[hash_l-hash_h]" to the whole key; an empty hash_h means the end of the key.
// A token containing "=" before any "(" or "[" holds the options of the entry
// preceding it.
//
// The returned error is always a *ParseError.
func ParseShardingDef(text string) ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]int)

	for _, tok := range tokenize(text) {
		if isOptionsToken(tok.text) {
			if len(entries) == 0 {
				return nil, parseErrorf(tok.pos, "options %q without a preceding entry", tok.text)
			}
			last := &entries[len(entries)-1]
			if last.Options != nil {
				return nil, parseErrorf(tok.pos, "second options token for prefix %q", last.Prefix)
			}
			opts, err := parseOptions(tok)
			if err != nil {
				return nil, err
			}
			last.Options = opts
			continue
		}

		entry, err := parseEntry(tok)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[entry.Prefix]; dup {
			return nil, parseErrorf(tok.pos, "duplicate prefix %q", entry.Prefix)
		}
		seen[entry.Prefix] = tok.pos
		entries = append(entries, entry)
	}
	return entries, nil
}

// ParseDefinition parses text into a definition using the current hash version.
func ParseDefinition(text string) (*Definition, error) {
	entries, err := ParseShardingDef(text)
	if err != nil {
		return nil, err
	}
	return NewDefinition(entries), nil
}

// --------------------------------------------------------------------------
// Tokenizer
// --------------------------------------------------------------------------

type token struct {
	text string
	pos  int
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func tokenize(text string) []token {
	var tokens []token
	start := -1
	for i := 0; i <= len(text); i++ {
		if i == len(text) || isSpace(text[i]) {
			if start >= 0 {
				tokens = append(tokens, token{text: text[start:i], pos: start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return tokens
}

func isOptionsToken(s string) bool {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return false
	}
	open := strings.IndexAny(s, "([")
	return open < 0 || eq < open
}

// --------------------------------------------------------------------------
// Entries
// --------------------------------------------------------------------------

func parseEntry(tok token) (Entry, error) {
	s := tok.text
	e := Entry{ShardCount: 1, HashL: 0, HashH: Unbounded}

	// prefix
	i := 0
	for i < len(s) && s[i] != '(' && s[i] != '[' {
		switch s[i] {
		case Separator:
			return e, parseErrorf(tok.pos+i, "NUL is not allowed in a prefix")
		case ')', ']':
			return e, parseErrorf(tok.pos+i, "unexpected %q", s[i])
		}
		i++
	}
	if i == 0 {
		return e, parseErrorf(tok.pos, "missing prefix")
	}
	e.Prefix = s[:i]
	if e.Prefix == ReservedPrefix {
		return e, parseErrorf(tok.pos, "prefix %q is reserved", ReservedPrefix)
	}

	// (shard_count)
	if i < len(s) && s[i] == '(' {
		n, next, err := parseNumber(tok, i+1)
		if err != nil {
			return e, err
		}
		if next >= len(s) || s[next] != ')' {
			return e, parseErrorf(tok.pos+next, "expected ')'")
		}
		if n < 1 {
			return e, parseErrorf(tok.pos+i+1, "shard count must be at least 1, got %d", n)
		}
		e.ShardCount = n
		i = next + 1
	}

	// [hash_l-hash_h]
	if i < len(s) && s[i] == '[' {
		l, next, err := parseNumber(tok, i+1)
		if err != nil {
			return e, err
		}
		if next >= len(s) || s[next] != '-' {
			return e, parseErrorf(tok.pos+next, "expected '-'")
		}
		hStart := next + 1
		h := Unbounded
		if hStart < len(s) && s[hStart] != ']' {
			if h, next, err = parseNumber(tok, hStart); err != nil {
				return e, err
			}
		} else {
			next = hStart
		}
		if next >= len(s) || s[next] != ']' {
			return e, parseErrorf(tok.pos+next, "expected ']'")
		}
		if h != Unbounded && l > h {
			return e, parseErrorf(tok.pos+hStart, "hash range end %d is below start %d", h, l)
		}
		e.HashL, e.HashH = l, h
		i = next + 1
	}

	if i < len(s) {
		return e, parseErrorf(tok.pos+i, "unexpected %q after entry %q", s[i], e.Prefix)
	}
	return e, nil
}

// parseNumber reads a decimal number starting at s[i] and returns the index of
// the first byte after it.
func parseNumber(tok token, i int) (int, int, error) {
	s := tok.text
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if j == i {
		if j < len(s) {
			return 0, j, parseErrorf(tok.pos+j, "expected a number, got %q", s[j])
		}
		return 0, j, parseErrorf(tok.pos+j, "expected a number")
	}
	n, err := strconv.Atoi(s[i:j])
	if err != nil {
		return 0, j, parseErrorf(tok.pos+i, "number out of range")
	}
	return n, j, nil
}

func parseOptions(tok token) (map[string]string, error) {
	opts := make(map[string]string)
	pos := tok.pos
	for _, pair := range strings.Split(tok.text, ",") {
		eq := strings.IndexByte(pair, '=')
		switch {
		case eq < 0:
			return nil, parseErrorf(pos, "option %q is missing '='", pair)
		case eq == 0:
			return nil, parseErrorf(pos, "option without a name")
		}
		key := pair[:eq]
		if _, dup := opts[key]; dup {
			return nil, parseErrorf(pos, "duplicate option %q", key)
		}
		opts[key] = pair[eq+1:]
		pos += len(pair) + 1
	}
	return opts, nil
}
