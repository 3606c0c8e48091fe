package cart

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-blinds/internal/pricing"
)

// PriceSource records where a line's unit price came from.
type PriceSource string

const (
	// PriceSourceServer is a validator price that matched the client.
	PriceSourceServer PriceSource = "server"
	// PriceSourceClientUnverified is the client price, kept while the
	// validator was unreachable.
	PriceSourceClientUnverified PriceSource = "client_unverified"
	// PriceSourceServerCorrected is a validator price that replaced a
	// mismatched client price.
	PriceSourceServerCorrected PriceSource = "server_corrected"
)

// LineItem is one configured product in a cart. Dimensions are kept both as
// entered and in canonical inches.
type LineItem struct {
	ID           string            `json:"id"`
	ProductID    string            `json:"productId"`
	Handle       string            `json:"handle"`
	Title        string            `json:"title,omitempty"`
	Width        pricing.Dimension `json:"width"`
	Height       pricing.Dimension `json:"height"`
	WidthInches  decimal.Decimal   `json:"widthInches"`
	HeightInches decimal.Decimal   `json:"heightInches"`
	Selection    pricing.Selection `json:"customizations"`
	Quantity     int               `json:"quantity"`
	UnitPrice    pricing.Money     `json:"unitPrice"`
	ClientPrice  pricing.Money     `json:"clientPrice"`
	PriceSource  PriceSource       `json:"priceSource"`
	Verified     bool              `json:"verified"`
	AddedAt      time.Time         `json:"addedAt"`
}

// Subtotal is unit price times quantity.
func (l LineItem) Subtotal() pricing.Money {
	return l.UnitPrice * pricing.Money(l.Quantity)
}

// Cart is the persisted cart document.
type Cart struct {
	ID        string     `json:"id"`
	Items     []LineItem `json:"items"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (c *Cart) indexOf(lineID string) int {
	for i := range c.Items {
		if c.Items[i].ID == lineID {
			return i
		}
	}
	return -1
}

// Unverified counts lines still priced from the client.
func (c Cart) Unverified() int {
	n := 0
	for _, it := range c.Items {
		if !it.Verified {
			n++
		}
	}
	return n
}
