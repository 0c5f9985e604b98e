package grammar

import (
	"strconv"

	"github.com/pkg/errors"
)

var (
	ErrSpreadSyntax = errors.New("stat spread does not match grammar")
	ErrStatOverflow = errors.New("stat value out of range")
)

type Stat int

const (
	HP Stat = iota
	Atk
	Def
	SpA
	SpD
	Spe
	NumStats
)

var statNames = [NumStats]string{"HP", "Atk", "Def", "SpA", "SpD", "Spe"}

func (s Stat) String() string {
	if s < 0 || s >= NumStats {
		return "Stat(" + strconv.Itoa(int(s)) + ")"
	}
	return statNames[s]
}

// Spread is the result of one EVs or IVs line. A stat the line does not
// mention is absent rather than zero.
type Spread struct {
	values  [NumStats]uint32
	present [NumStats]bool
}

func (s Spread) Get(st Stat) (uint32, bool) {
	return s.values[st], s.present[st]
}

func (s *Spread) Set(st Stat, v uint32) {
	s.values[st] = v
	s.present[st] = true
}

// Len reports how many stats are present.
func (s Spread) Len() int {
	n := 0
	for _, ok := range s.present {
		if ok {
			n++
		}
	}
	return n
}

// merge overlays the stats present in o onto s.
func (s Spread) merge(o Spread) Spread {
	for st := HP; st < NumStats; st++ {
		if v, ok := o.Get(st); ok {
			s.Set(st, v)
		}
	}
	return s
}

// ParseSpread parses "252 HP / 4 Def / 252 Spe", the text after "EVs: " or
// "IVs: ". Terms must appear in HP, Atk, Def, SpA, SpD, Spe order.
func (p *Parser) ParseSpread(text string) (Spread, error) {
	m := p.spread.FindStringSubmatch(text)
	if m == nil {
		return Spread{}, ErrSpreadSyntax
	}
	var s Spread
	for st := HP; st < NumStats; st++ {
		digits := m[int(st)+1]
		if digits == "" {
			continue
		}
		v, err := strconv.ParseUint(digits, 10, 32)
		if err != nil {
			return Spread{}, errors.Wrapf(ErrStatOverflow, "%s %s", digits, st)
		}
		s.Set(st, uint32(v))
	}
	return s, nil
}
