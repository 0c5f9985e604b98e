package team

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pokebin/pkg/domain"
	"pokebin/pkg/grammar"
)

type mapLookup map[string]Entry

func (m mapLookup) FindByKey(key string) (Entry, bool) {
	e, ok := m[key]
	return e, ok
}

type fakeImages struct{}

func (fakeImages) GetImage(key string, shiny, female bool) string {
	if key == "" {
		return "home/unknown.png"
	}
	return fmt.Sprintf("home/%s-%t-%t.png", key, shiny, female)
}

func newTestBuilder() *Builder {
	species := mapLookup{
		"garchomp":   {Key: "garchomp", Name: "Garchomp", Type: "Dragon"},
		"chansey":    {Key: "chansey", Name: "Chansey", Type: "Normal"},
		"great-tusk": {Key: "great-tusk", Name: "Great Tusk", Type: "Ground"},
	}
	moves := mapLookup{
		"earthquake":   {Key: "earthquake", Name: "Earthquake", Type: "Ground"},
		"stealth-rock": {Key: "stealth-rock", Name: "Stealth Rock", Type: "Rock"},
		"hidden-power": {Key: "hidden-power", Name: "Hidden Power", Type: "Normal"},
	}
	items := mapLookup{
		"rockyhelmet": {Key: "rockyhelmet", Name: "Rocky Helmet", Image: "-24px -48px"},
		"eviolite":    {Key: "eviolite", Name: "Eviolite", Image: "-0px -24px"},
	}
	return NewBuilder(grammar.New(), species, moves, items, fakeImages{})
}

func u32(v uint32) *uint32 { return &v }

func TestKeys(t *testing.T) {
	tests := []struct {
		fn   func(string) string
		in   string
		want string
	}{
		{SpeciesKey, "Great Tusk", "great-tusk"},
		{SpeciesKey, "Garchomp", "garchomp"},
		{MoveKey, "Stealth Rock", "stealth-rock"},
		{MoveKey, "U-turn", "u-turn"},
		{ItemKey, "Rocky Helmet", "rockyhelmet"},
		{ItemKey, "Heavy-Duty Boots", "heavy-dutyboots"},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); got != tt.want {
			t.Errorf("key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildTwoBlocks(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("Garchomp @ Rocky Helmet\n- Earthquake\n- Stealth Rock\nEVs: 252 HP / 252 Spe\n\nJust a comment block")
	want := []domain.Content{
		domain.SetContent(&domain.Set{
			Name:       "Garchomp",
			SearchName: "garchomp",
			Image:      "home/garchomp-false-false.png",
			Item:       "Rocky Helmet",
			ItemImg:    "-24px -48px",
			Type1:      "Dragon",
			Moves: []domain.Move{
				{Name: "Earthquake", Type1: "Ground"},
				{Name: "Stealth Rock", Type1: "Rock"},
			},
			Other: []string{},
			EVs:   domain.EVs{HP: 252, Spe: 252},
		}),
		domain.FreeText("Just a comment block"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Build mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSpreadDefaults(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("Chansey (F) @ Eviolite\nEVs: 252 HP / 252 SpA / 4 Spe\nIVs: 0 Atk\nShiny: Yes")
	if len(got) != 1 || !got[0].IsSet() {
		t.Fatalf("expected one set, got %+v", got)
	}
	s := got[0].Mon
	if diff := cmp.Diff(domain.EVs{HP: 252, SpA: 252, Spe: 4}, s.EVs); diff != "" {
		t.Errorf("EVs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(domain.IVs{Atk: u32(0)}, s.IVs); diff != "" {
		t.Errorf("IVs mismatch (-want +got):\n%s", diff)
	}
	if s.Gender != domain.GenderFemale {
		t.Errorf("gender = %q, want f", s.Gender)
	}
	if !s.Shiny {
		t.Error("expected shiny")
	}
	if s.Image != "home/chansey-true-true.png" {
		t.Errorf("image = %q", s.Image)
	}
	if s.ItemImg != "-0px -24px" {
		t.Errorf("item image = %q", s.ItemImg)
	}
}

func TestBuildUnresolvedNames(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("Fakemon @ Mystery Orb\n- Made Up Move")
	s := got[0].Mon
	if s.Name != "Fakemon" || s.SearchName != "" || s.Type1 != "" {
		t.Errorf("unexpected species fields: %+v", s)
	}
	if s.Image != "home/unknown.png" {
		t.Errorf("image = %q, want unknown image", s.Image)
	}
	if s.Item != "Mystery Orb" || s.ItemImg != "" {
		t.Errorf("unexpected item fields: %q %q", s.Item, s.ItemImg)
	}
	want := []domain.Move{{Name: "Made Up Move"}}
	if diff := cmp.Diff(want, s.Moves); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildHiddenPowerQualifier(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("Garchomp\n- Hidden Power [Fire]")
	want := []domain.Move{{Name: "Hidden Power", Type1: "Fire"}}
	if diff := cmp.Diff(want, got[0].Mon.Moves); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildKeepsTypedMoveName(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("Garchomp\n- Stealth rock\n- Stealth-Rock")
	want := []domain.Move{
		{Name: "Stealth rock", Type1: "Rock"},
		{Name: "Stealth-Rock", Type1: "Rock"},
	}
	if diff := cmp.Diff(want, got[0].Mon.Moves); diff != "" {
		t.Errorf("moves mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildNickname(t *testing.T) {
	b := newTestBuilder()
	s := b.Build("my boy (Great Tusk) (M)")[0].Mon
	if s.Nickname != "my boy" || s.Name != "Great Tusk" || s.SearchName != "great-tusk" {
		t.Errorf("unexpected nickname set: %+v", s)
	}
	if s.Gender != domain.GenderMale {
		t.Errorf("gender = %q, want m", s.Gender)
	}
	if s.Item != "" || s.ItemImg != "" {
		t.Errorf("no item expected, got %q %q", s.Item, s.ItemImg)
	}
}

func TestBuildPreservesOrder(t *testing.T) {
	b := newTestBuilder()
	got := b.Build("intro\n\nGarchomp\n\nmiddle\n\nChansey\n\noutro")
	kinds := make([]bool, len(got))
	for i, c := range got {
		kinds[i] = c.IsSet()
	}
	if diff := cmp.Diff([]bool{false, true, false, true, false}, kinds); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if *got[0].Text != "intro" || *got[4].Text != "outro" {
		t.Errorf("unexpected free text: %q %q", *got[0].Text, *got[4].Text)
	}
}

func TestBuildEmpty(t *testing.T) {
	if got := newTestBuilder().Build("\n\n  \n"); len(got) != 0 {
		t.Errorf("expected no content, got %d", len(got))
	}
}
