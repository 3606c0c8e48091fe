package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrOutOfRange signals a size larger than every available band.
	ErrOutOfRange = errors.New("pricing: size not available")
	// ErrNoBandPrice is returned when a grid has no cell for a band pair.
	ErrNoBandPrice = errors.New("pricing: no price for band pair")
	// ErrInvalidMatrix is returned by NewMatrix for unusable band data.
	ErrInvalidMatrix = errors.New("pricing: invalid price band matrix")
)

// Band is one size bracket. Inches is the upper bound of the bracket; Price is
// only used by additive matrices.
type Band struct {
	ID     string          `json:"bandId"`
	Inches decimal.Decimal `json:"inches"`
	Price  Money           `json:"price,omitempty"`
}

// RangeError reports a requested size that no band can accommodate.
type RangeError struct {
	Axis      string
	Requested decimal.Decimal
	Largest   decimal.Decimal
}

func (e *RangeError) Error() string {
	axis := e.Axis
	if axis == "" {
		axis = "dimension"
	}
	return fmt.Sprintf("%s %s in exceeds largest band %s in: %v", axis, e.Requested.StringFixed(2), e.Largest.StringFixed(2), ErrOutOfRange)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// SelectBand returns the first band whose upper bound fits inches. Bands must
// be sorted ascending. An unset value reports ok=false with no error.
func SelectBand(inches decimal.Decimal, bands []Band) (Band, bool, error) {
	if IsUnset(inches) {
		return Band{}, false, nil
	}
	for _, b := range bands {
		if b.Inches.GreaterThanOrEqual(inches) {
			return b, true, nil
		}
	}
	largest := decimal.Zero
	if n := len(bands); n > 0 {
		largest = bands[n-1].Inches
	}
	return Band{}, false, &RangeError{Requested: inches, Largest: largest}
}

// MatrixMode tells how a band pair becomes a base price.
type MatrixMode string

const (
	// ModeGrid looks the pair up in a 2D price grid.
	ModeGrid MatrixMode = "grid"
	// ModeAdditive sums the width band and height band prices.
	ModeAdditive MatrixMode = "additive"
)

// Cell is one entry of a grid matrix.
type Cell struct {
	WidthBandID  string `json:"widthBandId"`
	HeightBandID string `json:"heightBandId"`
	Price        Money  `json:"price"`
}

type cellKey struct {
	width  string
	height string
}

// Matrix is the price band data for one product. It is immutable once built.
type Matrix struct {
	ProductID   string
	Version     string
	Mode        MatrixMode
	WidthBands  []Band
	HeightBands []Band
	cells       []Cell
	grid        map[cellKey]Money
}

// NewMatrix copies and sorts the bands ascending and indexes the grid.
func NewMatrix(productID, version string, mode MatrixMode, width, height []Band, cells []Cell) (*Matrix, error) {
	if len(width) == 0 || len(height) == 0 {
		return nil, fmt.Errorf("product %s: width and height bands required: %w", productID, ErrInvalidMatrix)
	}
	if mode == "" {
		mode = ModeAdditive
		if len(cells) > 0 {
			mode = ModeGrid
		}
	}
	if mode != ModeGrid && mode != ModeAdditive {
		return nil, fmt.Errorf("product %s: mode %q: %w", productID, mode, ErrInvalidMatrix)
	}
	m := &Matrix{
		ProductID:   productID,
		Version:     version,
		Mode:        mode,
		WidthBands:  sortedBands(width),
		HeightBands: sortedBands(height),
		cells:       append([]Cell(nil), cells...),
		grid:        make(map[cellKey]Money, len(cells)),
	}
	for _, c := range cells {
		m.grid[cellKey{width: c.WidthBandID, height: c.HeightBandID}] = c.Price
	}
	return m, nil
}

func sortedBands(in []Band) []Band {
	out := append([]Band(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Inches.LessThan(out[j].Inches)
	})
	return out
}

// BasePrice derives the base price for a selected band pair.
func (m *Matrix) BasePrice(width, height Band) (Money, error) {
	if m.Mode == ModeAdditive {
		return width.Price + height.Price, nil
	}
	price, ok := m.grid[cellKey{width: width.ID, height: height.ID}]
	if !ok {
		return 0, fmt.Errorf("%s x %s: %w", width.ID, height.ID, ErrNoBandPrice)
	}
	return price, nil
}

// MinimumPrice is the cheapest band pair, used for the "from" indicator.
func (m *Matrix) MinimumPrice() (Money, bool) {
	if m == nil {
		return 0, false
	}
	if m.Mode == ModeAdditive {
		if len(m.WidthBands) == 0 || len(m.HeightBands) == 0 {
			return 0, false
		}
		return m.WidthBands[0].Price + m.HeightBands[0].Price, true
	}
	if len(m.cells) == 0 {
		return 0, false
	}
	min := m.cells[0].Price
	for _, c := range m.cells[1:] {
		if c.Price < min {
			min = c.Price
		}
	}
	return min, true
}

// Cells returns a copy of the grid entries.
func (m *Matrix) Cells() []Cell {
	return append([]Cell(nil), m.cells...)
}

type matrixJSON struct {
	ProductID   string     `json:"productId"`
	Version     string     `json:"version,omitempty"`
	Mode        MatrixMode `json:"mode"`
	WidthBands  []Band     `json:"widthBands"`
	HeightBands []Band     `json:"heightBands"`
	Cells       []Cell     `json:"cells,omitempty"`
}

// MarshalJSON encodes the matrix for caching.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	return json.Marshal(matrixJSON{
		ProductID:   m.ProductID,
		Version:     m.Version,
		Mode:        m.Mode,
		WidthBands:  m.WidthBands,
		HeightBands: m.HeightBands,
		Cells:       m.cells,
	})
}

// UnmarshalJSON rebuilds the matrix and its grid index.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var raw matrixJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewMatrix(raw.ProductID, raw.Version, raw.Mode, raw.WidthBands, raw.HeightBands, raw.Cells)
	if err != nil {
		return err
	}
	*m = *built
	return nil
}
