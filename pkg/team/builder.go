// Package team turns parsed paste blocks into roster content, resolving
// species, move and item names through injected lookup tables.
package team

import (
	"strings"

	"pokebin/pkg/domain"
	"pokebin/pkg/grammar"
)

type Entry struct {
	Key   string
	Name  string
	Type  string
	Image string
}

type Lookup interface {
	FindByKey(key string) (Entry, bool)
}

type ImageResolver interface {
	GetImage(key string, shiny, female bool) string
}

type Builder struct {
	parser  *grammar.Parser
	species Lookup
	moves   Lookup
	items   Lookup
	images  ImageResolver
}

func NewBuilder(p *grammar.Parser, species, moves, items Lookup, images ImageResolver) *Builder {
	return &Builder{parser: p, species: species, moves: moves, items: items, images: images}
}

func SpeciesKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}

func MoveKey(name string) string {
	return SpeciesKey(name)
}

func ItemKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "")
}

// Build parses text and returns one Content per block, in block order.
func (b *Builder) Build(text string) []domain.Content {
	blocks := b.parser.Parse(text)
	out := make([]domain.Content, 0, len(blocks))
	for _, blk := range blocks {
		if blk.Kind != grammar.KindSet {
			out = append(out, domain.FreeText(blk.Text))
			continue
		}
		out = append(out, domain.SetContent(b.set(blk)))
	}
	return out
}

func (b *Builder) set(blk grammar.Block) *domain.Set {
	h := blk.Header
	s := &domain.Set{
		Name:     h.Species,
		Nickname: h.Nickname,
		Item:     h.Item,
		Gender:   gender(h.Gender),
		Shiny:    blk.Shiny,
		Moves:    make([]domain.Move, 0, len(blk.Moves)),
		Other:    blk.Other,
	}
	if s.Other == nil {
		s.Other = []string{}
	}

	if e, ok := b.species.FindByKey(SpeciesKey(h.Species)); ok {
		s.SearchName = e.Key
		s.Type1 = e.Type
	}
	s.Image = b.images.GetImage(s.SearchName, s.Shiny, s.Gender == domain.GenderFemale)

	if h.Item != "" {
		if e, ok := b.items.FindByKey(ItemKey(h.Item)); ok {
			s.ItemImg = e.Image
		}
	}

	for _, m := range blk.Moves {
		s.Moves = append(s.Moves, b.move(m))
	}

	s.EVs = evs(blk.EVs)
	s.IVs = ivs(blk.IVs)
	return s
}

func (b *Builder) move(m grammar.Move) domain.Move {
	mv := domain.Move{Name: m.Name}
	if e, ok := b.moves.FindByKey(MoveKey(m.Name)); ok {
		mv.Type1 = e.Type
	}
	if m.Qualifier != "" {
		mv.Type1 = m.Qualifier
	}
	return mv
}

func gender(g string) domain.Gender {
	switch g {
	case "M":
		return domain.GenderMale
	case "F":
		return domain.GenderFemale
	}
	return domain.GenderNeutral
}

func evs(s grammar.Spread) domain.EVs {
	v := func(st grammar.Stat) uint32 {
		n, _ := s.Get(st)
		return n
	}
	return domain.EVs{
		HP:  v(grammar.HP),
		Atk: v(grammar.Atk),
		Def: v(grammar.Def),
		SpA: v(grammar.SpA),
		SpD: v(grammar.SpD),
		Spe: v(grammar.Spe),
	}
}

func ivs(s grammar.Spread) domain.IVs {
	p := func(st grammar.Stat) *uint32 {
		n, ok := s.Get(st)
		if !ok {
			return nil
		}
		return &n
	}
	return domain.IVs{
		HP:  p(grammar.HP),
		Atk: p(grammar.Atk),
		Def: p(grammar.Def),
		SpA: p(grammar.SpA),
		SpD: p(grammar.SpD),
		Spe: p(grammar.Spe),
	}
}
