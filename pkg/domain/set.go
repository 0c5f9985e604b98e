package domain

// Gender serializes as "m", "f" or "" (neutral).
type Gender string

const (
	GenderNeutral Gender = ""
	GenderMale    Gender = "m"
	GenderFemale  Gender = "f"
)

func (g Gender) String() string {
	switch g {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return "neutral"
	}
}

// Content is one block of a paste: exactly one of Text and Mon is set.
type Content struct {
	Text *string `json:"text"`
	Mon  *Set    `json:"mon"`
}

func FreeText(raw string) Content {
	return Content{Text: &raw}
}

func SetContent(s *Set) Content {
	return Content{Mon: s}
}

func (c Content) IsSet() bool { return c.Mon != nil }

type Move struct {
	Name  string `json:"name"`
	Type1 string `json:"type1"`
	ID    int    `json:"id"`
}

// EVs are effort values; an absent stat is 0.
type EVs struct {
	HP  uint32 `json:"hp"`
	Atk uint32 `json:"atk"`
	Def uint32 `json:"def"`
	SpA uint32 `json:"spa"`
	SpD uint32 `json:"spd"`
	Spe uint32 `json:"spe"`
}

// IVs are individual values; nil means the paste did not specify the stat.
type IVs struct {
	HP  *uint32 `json:"hp_iv"`
	Atk *uint32 `json:"atk_iv"`
	Def *uint32 `json:"def_iv"`
	SpA *uint32 `json:"spa_iv"`
	SpD *uint32 `json:"spd_iv"`
	Spe *uint32 `json:"spe_iv"`
}

type Set struct {
	Name       string   `json:"name"`
	Nickname   string   `json:"nickname,omitempty"`
	SearchName string   `json:"search_name"`
	Image      string   `json:"image"`
	Item       string   `json:"item"`
	ItemImg    string   `json:"item_img"`
	Moves      []Move   `json:"moves"`
	Type1      string   `json:"type1"`
	Gender     Gender   `json:"gender"`
	Shiny      bool     `json:"shiny"`
	Other      []string `json:"other"`
	EVs
	IVs
}
