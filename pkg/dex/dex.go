// Package dex loads the species, move and item tables used to resolve names
// in team pastes, and picks species images.
//
// Tables are plain JSON maps keyed by normalized key. Comments and trailing
// commas are tolerated. After Load and Verify the Dex is read-only and safe
// for concurrent use.
package dex

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
	"golang.org/x/sync/errgroup"

	"pokebin/pkg/team"
)

const (
	spriteSize    = 24
	spritesPerRow = 16
)

type Files struct {
	Species string
	Moves   string
	Items   string
}

type Images struct {
	Regular     string `json:"regular"`
	Shiny       string `json:"shiny"`
	Female      string `json:"female"`
	ShinyFemale string `json:"shiny_female"`
}

type speciesRecord struct {
	Name   string `json:"name"`
	Type1  string `json:"type1"`
	Type2  string `json:"type2"`
	Images Images `json:"images"`
}

type moveRecord struct {
	Name  string `json:"name"`
	Type1 string `json:"type1"`
}

type itemRecord struct {
	Name      string `json:"name"`
	SpriteNum int    `json:"spritenum"`
}

// Table is one key -> entry map with a punctuation-insensitive alias index.
type Table struct {
	entries map[string]team.Entry
	aliases map[string]string
}

func newTable(n int) *Table {
	return &Table{entries: make(map[string]team.Entry, n), aliases: make(map[string]string, n)}
}

func (t *Table) add(e team.Entry) {
	t.entries[e.Key] = e
	if a := alias(e.Key); a != e.Key {
		if _, taken := t.aliases[a]; !taken {
			t.aliases[a] = e.Key
		}
	}
}

func (t *Table) FindByKey(key string) (team.Entry, bool) {
	k, ok := t.resolve(key)
	if !ok {
		return team.Entry{}, false
	}
	return t.entries[k], true
}

// resolve maps key to the stored key: exact match first, then alias.
func (t *Table) resolve(key string) (string, bool) {
	if _, ok := t.entries[key]; ok {
		return key, true
	}
	a := alias(key)
	if _, ok := t.entries[a]; ok {
		return a, true
	}
	k, ok := t.aliases[a]
	return k, ok
}

func (t *Table) Len() int { return len(t.entries) }

// alias drops the punctuation that pastes and data files disagree on.
func alias(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '\'', ':', '%':
			return -1
		}
		return r
	}, key)
}

type Dex struct {
	species *Table
	moves   *Table
	items   *Table
	images  map[string]Images
	unknown string
}

func Load(fsys fs.FS, files Files, unknownImage string) (*Dex, error) {
	var (
		species map[string]speciesRecord
		moves   map[string]moveRecord
		items   map[string]itemRecord
	)
	var g errgroup.Group
	g.Go(func() error { return readTable(fsys, files.Species, &species) })
	g.Go(func() error { return readTable(fsys, files.Moves, &moves) })
	g.Go(func() error { return readTable(fsys, files.Items, &items) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &Dex{
		species: newTable(len(species)),
		moves:   newTable(len(moves)),
		items:   newTable(len(items)),
		images:  make(map[string]Images, len(species)),
		unknown: unknownImage,
	}
	// Keys go in sorted so the smallest key owns a shared alias.
	for _, k := range slices.Sorted(maps.Keys(species)) {
		r := species[k]
		d.species.add(team.Entry{Key: k, Name: r.Name, Type: r.Type1, Image: r.Images.Regular})
		d.images[k] = r.Images
	}
	for _, k := range slices.Sorted(maps.Keys(moves)) {
		r := moves[k]
		d.moves.add(team.Entry{Key: k, Name: r.Name, Type: r.Type1})
	}
	for _, k := range slices.Sorted(maps.Keys(items)) {
		r := items[k]
		d.items.add(team.Entry{Key: k, Name: r.Name, Image: SpriteOffset(r.SpriteNum)})
	}
	return d, nil
}

func readTable(fsys fs.FS, name string, v any) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return errors.Wrapf(err, "read %s", name)
	}
	if err := json.Unmarshal(jsonc.ToJSON(raw), v); err != nil {
		return errors.Wrapf(err, "decode %s", name)
	}
	return nil
}

// SpriteOffset is the CSS background position of an item icon on the sprite
// sheet.
func SpriteOffset(n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("-%dpx -%dpx", (n%spritesPerRow)*spriteSize, (n/spritesPerRow)*spriteSize)
}

func (d *Dex) Species() *Table { return d.species }
func (d *Dex) Moves() *Table   { return d.moves }
func (d *Dex) Items() *Table   { return d.items }

// GetImage returns the image path for a species key. Missing variants fall
// back to the closest available one, and unknown species get the unknown
// image.
func (d *Dex) GetImage(key string, shiny, female bool) string {
	k, ok := d.species.resolve(key)
	if !ok {
		return d.unknown
	}
	img := d.images[k]
	var p string
	switch {
	case shiny && female:
		p = first(img.ShinyFemale, img.Shiny)
	case female:
		p = first(img.Female, img.Regular)
	case shiny:
		p = first(img.Shiny, img.Regular)
	default:
		p = img.Regular
	}
	if p == "" {
		return d.unknown
	}
	return p
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Verify blanks species image paths that do not exist in fsys and returns
// how many were blanked. It must run before the Dex is shared.
func (d *Dex) Verify(fsys fs.FS) int {
	missing := 0
	check := func(p *string) {
		if *p == "" {
			return
		}
		if _, err := fs.Stat(fsys, *p); err != nil {
			*p = ""
			missing++
		}
	}
	for k, img := range d.images {
		check(&img.Regular)
		check(&img.Shiny)
		check(&img.Female)
		check(&img.ShinyFemale)
		d.images[k] = img
		if e, ok := d.species.entries[k]; ok {
			e.Image = img.Regular
			d.species.entries[k] = e
		}
	}
	return missing
}
