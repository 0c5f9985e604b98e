// Package grammar splits team paste text into blocks and recognises the
// header, move and stat lines inside each block.
//
// Parsing never fails. A block whose first line is not a header is free
// text, and a line that matches no grammar is kept verbatim as an "other"
// line of its set.
package grammar

import (
	"regexp"
	"strings"
)

const (
	evPrefix    = "EVs: "
	ivPrefix    = "IVs: "
	shinyMarker = "Shiny: Yes"
)

// A name is a run of capitalized words. Hyphenated segments may start lower
// case (Kommo-o, Porygon-Z) but space separated words may not, so ordinary
// prose does not pass as a species.
const (
	namePattern = `[A-Z][a-z0-9:']+\.?(?:-[A-Za-z][a-z0-9:']*\.?| [A-Z][a-z0-9:']*\.?)*`
	itemPattern = `[A-Z][a-z0-9:']*\.?(?:[- ][A-Z][a-z0-9:']*\.?)*`
	movePattern = `[A-Z][a-z']*(?:[- ][A-Za-z][a-z']*)*`
)

type Kind int

const (
	KindText Kind = iota
	KindSet
)

func (k Kind) String() string {
	if k == KindSet {
		return "set"
	}
	return "text"
}

type Header struct {
	Nickname string
	Species  string
	Gender   string // "M", "F" or ""
	Item     string
}

type Move struct {
	Name      string
	Qualifier string
}

// Block is one blank-line separated paragraph. For KindText only Text is
// meaningful.
type Block struct {
	Kind   Kind
	Text   string
	Header Header
	Moves  []Move
	EVs    Spread
	IVs    Spread
	Other  []string
	Shiny  bool
}

// Parser holds the compiled grammars. It is immutable after New and safe
// for concurrent use.
type Parser struct {
	blockSep *regexp.Regexp
	header   *regexp.Regexp
	move     *regexp.Regexp
	spread   *regexp.Regexp
}

func New() *Parser {
	return &Parser{
		blockSep: regexp.MustCompile(`\n{2,}`),
		header: regexp.MustCompile(
			`^(?:(.*) \((` + namePattern + `)\)|(` + namePattern + `))` +
				`(?: \(([MF])\))?` +
				`(?: @ (` + itemPattern + `))? *$`),
		move: regexp.MustCompile(
			`^- (` + movePattern + `)(?: \[([A-Z][a-z]+)\])?(?: / ` + movePattern + `)* *$`),
		spread: regexp.MustCompile(
			`^(?:(\d+) HP)?(?: / )?(?:(\d+) Atk)?(?: / )?(?:(\d+) Def)?(?: / )?` +
				`(?:(\d+) SpA)?(?: / )?(?:(\d+) SpD)?(?: / )?(?:(\d+) Spe)? *$`),
	}
}

// SplitBlocks returns the trimmed, non-empty paragraphs of text in order.
func (p *Parser) SplitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := p.blockSep.Split(text, -1)
	blocks := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			blocks = append(blocks, part)
		}
	}
	return blocks
}

func (p *Parser) Parse(text string) []Block {
	raw := p.SplitBlocks(text)
	blocks := make([]Block, 0, len(raw))
	for _, b := range raw {
		blocks = append(blocks, p.classify(b))
	}
	return blocks
}

type state int

const (
	awaitHeader state = iota
	parsingLines
	done
)

// classify runs a block through awaitHeader -> parsingLines -> done. The
// header is tried once against the first line; remaining lines are consumed
// strictly in order.
func (p *Parser) classify(text string) Block {
	lines := strings.Split(text, "\n")
	b := Block{Kind: KindText, Text: text}
	st := awaitHeader
	i := 0
	for st != done {
		switch st {
		case awaitHeader:
			h, ok := p.ParseHeader(lines[0])
			if !ok {
				st = done
				continue
			}
			b.Kind = KindSet
			b.Header = h
			b.Shiny = strings.Contains(text, shinyMarker)
			i = 1
			st = parsingLines
		case parsingLines:
			if i >= len(lines) {
				st = done
				continue
			}
			p.classifyLine(&b, strings.TrimSuffix(lines[i], "\r"))
			i++
		}
	}
	return b
}

func (p *Parser) classifyLine(b *Block, line string) {
	if m, ok := p.ParseMove(line); ok {
		b.Moves = append(b.Moves, m)
		return
	}
	switch {
	case strings.HasPrefix(line, evPrefix):
		if s, err := p.ParseSpread(line[len(evPrefix):]); err == nil {
			b.EVs = b.EVs.merge(s)
			return
		}
	case strings.HasPrefix(line, ivPrefix):
		if s, err := p.ParseSpread(line[len(ivPrefix):]); err == nil {
			b.IVs = b.IVs.merge(s)
			return
		}
	}
	b.Other = append(b.Other, line)
}

func (p *Parser) ParseHeader(line string) (Header, bool) {
	m := p.header.FindStringSubmatch(strings.TrimSuffix(line, "\r"))
	if m == nil {
		return Header{}, false
	}
	h := Header{Gender: m[4], Item: m[5]}
	if m[2] != "" {
		h.Nickname = m[1]
		h.Species = m[2]
	} else {
		h.Species = m[3]
	}
	return h, true
}

// ParseMove matches "- Name [Qualifier] / Alt / Alt"; only the first name
// is kept.
func (p *Parser) ParseMove(line string) (Move, bool) {
	m := p.move.FindStringSubmatch(line)
	if m == nil {
		return Move{}, false
	}
	return Move{Name: m[1], Qualifier: m[2]}, true
}
