package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownCategory is returned when a category name is not recognised.
	ErrUnknownCategory = errors.New("pricing: unknown customization category")
	// ErrUnknownOption is returned when an option does not belong to its category.
	ErrUnknownOption = errors.New("pricing: unknown customization option")
)

// Category is a customization axis a product may expose.
type Category int

const (
	Headrail Category = iota
	HeadrailColour
	InstallationMethod
	ControlOption
	Stacking
	ControlSide
	BottomChain
	BracketType
	ChainColor
	WrappedCassette
	CassetteMatchingBar
	Motorization
	RollerStyle
	numCategories
)

// Option is one selectable value of a category.
type Option struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label" yaml:"label"`
}

type categorySpec struct {
	name    string
	label   string
	aliases []string
	options []Option
}

var categorySpecs = [numCategories]categorySpec{
	Headrail: {name: "headrail", label: "Headrail", options: []Option{
		{ID: "classic", Label: "Classic"},
		{ID: "platinum", Label: "Platinum"},
		{ID: "deluxe", Label: "Deluxe"},
	}},
	HeadrailColour: {name: "headrailColour", label: "Headrail colour", aliases: []string{"headrailColor"}, options: []Option{
		{ID: "white", Label: "White"},
		{ID: "ice-white", Label: "Ice white"},
		{ID: "anthracite", Label: "Anthracite"},
		{ID: "silver", Label: "Silver"},
	}},
	InstallationMethod: {name: "installationMethod", label: "Installation method", options: []Option{
		{ID: "inside-recess", Label: "Inside recess"},
		{ID: "outside-recess", Label: "Outside recess"},
		{ID: "ceiling", Label: "Ceiling fix"},
	}},
	ControlOption: {name: "controlOption", label: "Control option", options: []Option{
		{ID: "chain", Label: "Chain"},
		{ID: "wand", Label: "Wand"},
		{ID: "cordless", Label: "Cordless"},
	}},
	Stacking: {name: "stacking", label: "Stacking", options: []Option{
		{ID: "left", Label: "Stack left"},
		{ID: "right", Label: "Stack right"},
		{ID: "split", Label: "Split"},
	}},
	ControlSide: {name: "controlSide", label: "Control side", options: []Option{
		{ID: "left", Label: "Left"},
		{ID: "right", Label: "Right"},
	}},
	BottomChain: {name: "bottomChain", label: "Bottom chain", options: []Option{
		{ID: "none", Label: "None"},
		{ID: "white", Label: "White"},
		{ID: "chrome", Label: "Chrome"},
	}},
	BracketType: {name: "bracketType", label: "Bracket type", options: []Option{
		{ID: "standard", Label: "Standard"},
		{ID: "black", Label: "Black"},
		{ID: "extension", Label: "Extension"},
	}},
	ChainColor: {name: "chainColor", label: "Chain colour", aliases: []string{"chainColour"}, options: []Option{
		{ID: "white", Label: "White"},
		{ID: "black", Label: "Black"},
		{ID: "chrome", Label: "Chrome"},
		{ID: "brass", Label: "Brass"},
	}},
	WrappedCassette: {name: "wrappedCassette", label: "Wrapped cassette", options: []Option{
		{ID: "no", Label: "No"},
		{ID: "yes", Label: "Yes"},
	}},
	CassetteMatchingBar: {name: "cassetteMatchingBar", label: "Cassette matching bar", options: []Option{
		{ID: "no", Label: "No"},
		{ID: "yes", Label: "Yes"},
	}},
	Motorization: {name: "motorization", label: "Motorization", options: []Option{
		{ID: "manual", Label: "Manual"},
		{ID: "battery", Label: "Battery motor"},
		{ID: "mains", Label: "Mains motor"},
		{ID: "smart", Label: "Smart home motor"},
	}},
	RollerStyle: {name: "rollerStyle", label: "Roller style", options: []Option{
		{ID: "standard", Label: "Standard roll"},
		{ID: "reverse", Label: "Reverse roll"},
	}},
}

var categoryByName = func() map[string]Category {
	m := make(map[string]Category, int(numCategories)*2)
	for i, spec := range categorySpecs {
		if spec.name == "" || len(spec.options) == 0 {
			panic(fmt.Sprintf("pricing: customization category %d has no spec", i))
		}
		m[strings.ToLower(spec.name)] = Category(i)
		for _, alias := range spec.aliases {
			m[strings.ToLower(alias)] = Category(i)
		}
	}
	return m
}()

// Categories returns every category in evaluation order.
func Categories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCategory resolves a wire name, case-insensitively.
func ParseCategory(name string) (Category, error) {
	c, ok := categoryByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownCategory)
	}
	return c, nil
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return c >= 0 && c < numCategories }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categorySpecs[c].name
}

// Label is the display name of the category.
func (c Category) Label() string {
	if !c.Valid() {
		return ""
	}
	return categorySpecs[c].label
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("category %d: %w", int(c), ErrUnknownCategory)
	}
	return []byte(categorySpecs[c].name), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Options lists the options of c. The returned slice is a copy.
func Options(c Category) []Option {
	if !c.Valid() {
		return nil
	}
	return append([]Option(nil), categorySpecs[c].options...)
}

// HasOption reports whether id is an option of c.
func HasOption(c Category, id string) bool {
	if !c.Valid() {
		return false
	}
	for _, o := range categorySpecs[c].options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// FeatureSet is the set of categories a product enables.
type FeatureSet uint32

// NewFeatureSet builds a set from categories; unknown values are ignored.
func NewFeatureSet(cats ...Category) FeatureSet {
	var fs FeatureSet
	for _, c := range cats {
		fs = fs.With(c)
	}
	return fs
}

// AllFeatures enables every category.
func AllFeatures() FeatureSet {
	return NewFeatureSet(Categories()...)
}

func (fs FeatureSet) With(c Category) FeatureSet {
	if !c.Valid() {
		return fs
	}
	return fs | 1<<uint(c)
}

func (fs FeatureSet) Has(c Category) bool {
	return c.Valid() && fs&(1<<uint(c)) != 0
}

// Categories lists the enabled categories in evaluation order.
func (fs FeatureSet) Categories() []Category {
	var out []Category
	for c := Category(0); c < numCategories; c++ {
		if fs.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (fs FeatureSet) MarshalJSON() ([]byte, error) {
	cats := fs.Categories()
	if cats == nil {
		cats = []Category{}
	}
	return json.Marshal(cats)
}

func (fs *FeatureSet) UnmarshalJSON(data []byte) error {
	var cats []Category
	if err := json.Unmarshal(data, &cats); err != nil {
		return err
	}
	*fs = NewFeatureSet(cats...)
	return nil
}

// Selection maps a category to the chosen option id. An empty id means not
// selected.
type Selection map[Category]string

// Validate checks each enabled, non-empty selection against the category's
// options. Selections for disabled categories are ignored.
func (s Selection) Validate(enabled FeatureSet) error {
	for _, c := range enabled.Categories() {
		id := s[c]
		if id == "" {
			continue
		}
		if !HasOption(c, id) {
			return fmt.Errorf("%s=%q: %w", c, id, ErrUnknownOption)
		}
	}
	return nil
}

// Clone returns a copy restricted to non-empty values.
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for c, id := range s {
		if id != "" {
			out[c] = id
		}
	}
	return out
}

// Restrict returns a copy holding only the non-empty selections of enabled
// categories.
func (s Selection) Restrict(enabled FeatureSet) Selection {
	out := make(Selection, len(s))
	for c, id := range s {
		if id != "" && enabled.Has(c) {
			out[c] = id
		}
	}
	return out
}

// Wire renders the selection keyed by category wire name.
func (s Selection) Wire() map[string]string {
	out := make(map[string]string, len(s))
	for c, id := range s {
		if id == "" || !c.Valid() {
			continue
		}
		out[c.String()] = id
	}
	return out
}

// PricingEntry is one externally supplied surcharge.
type PricingEntry struct {
	Category Category `json:"category"`
	OptionID string   `json:"optionId"`
	Price    Money    `json:"price"`
}

type priceKey struct {
	category Category
	option   string
}

// PriceList indexes customization surcharges. The zero value and a nil
// pointer both price every option at zero.
type PriceList struct {
	entries []PricingEntry
	index   map[priceKey]Money
}

// NewPriceList indexes entries. Negative prices and unknown categories are
// dropped; a later duplicate replaces an earlier one.
func NewPriceList(entries []PricingEntry) *PriceList {
	pl := &PriceList{index: make(map[priceKey]Money, len(entries))}
	for _, e := range entries {
		if !e.Category.Valid() || e.Price < 0 {
			continue
		}
		k := priceKey{category: e.Category, option: e.OptionID}
		if _, dup := pl.index[k]; !dup {
			pl.entries = append(pl.entries, e)
		} else {
			for i := range pl.entries {
				if pl.entries[i].Category == e.Category && pl.entries[i].OptionID == e.OptionID {
					pl.entries[i] = e
				}
			}
		}
		pl.index[k] = e.Price
	}
	return pl
}

// Price returns the surcharge for an option and whether it is listed.
func (pl *PriceList) Price(c Category, optionID string) (Money, bool) {
	if pl == nil || pl.index == nil {
		return 0, false
	}
	p, ok := pl.index[priceKey{category: c, option: optionID}]
	return p, ok
}

// Len is the number of indexed entries.
func (pl *PriceList) Len() int {
	if pl == nil {
		return 0
	}
	return len(pl.entries)
}

// Entries returns the entries sorted by category then option id.
func (pl *PriceList) Entries() []PricingEntry {
	if pl == nil {
		return nil
	}
	out := append([]PricingEntry(nil), pl.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].OptionID < out[j].OptionID
	})
	return out
}

func (pl *PriceList) MarshalJSON() ([]byte, error) {
	entries := pl.Entries()
	if entries == nil {
		entries = []PricingEntry{}
	}
	return json.Marshal(entries)
}

func (pl *PriceList) UnmarshalJSON(data []byte) error {
	var entries []PricingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*pl = *NewPriceList(entries)
	return nil
}

// Surcharge is a priced customization line.
type Surcharge struct {
	Category Category `json:"category"`
	OptionID string   `json:"optionId"`
	Price    Money    `json:"price"`
}

// Itemize walks the enabled categories in order and returns a line for each
// selected option. Options without a list entry are included at zero cost.
func Itemize(sel Selection, enabled FeatureSet, list *PriceList) []Surcharge {
	var out []Surcharge
	for _, c := range enabled.Categories() {
		id := sel[c]
		if id == "" {
			continue
		}
		price, _ := list.Price(c, id)
		out = append(out, Surcharge{Category: c, OptionID: id, Price: price})
	}
	return out
}

// Aggregate sums the surcharges of the enabled selections.
func Aggregate(sel Selection, enabled FeatureSet, list *PriceList) Money {
	var total Money
	for _, s := range Itemize(sel, enabled, list) {
		total += s.Price
	}
	return total
}
