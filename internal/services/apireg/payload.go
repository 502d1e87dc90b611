package apireg

import (
	"strconv"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
)

// Payload is the minimal body a marketplace's private listing endpoint accepts
type Payload struct {
	CategoryID        string             `json:"categoryId"`
	Common            PayloadCommon      `json:"common"`
	Location          PayloadLocation    `json:"location"`
	Media             []PayloadMedia     `json:"media"`
	NaverShoppingData PayloadShopping    `json:"naverShoppingData"`
	Option            []interface{}      `json:"option"`
	Transaction       PayloadTransaction `json:"transaction"`
}

type PayloadCommon struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
	Condition   string   `json:"condition"`
}

type PayloadLocation struct {
	Geo interface{} `json:"geo"`
}

type PayloadMedia struct {
	ImageID interface{} `json:"imageId"`
}

type PayloadShopping struct {
	IsEnabled bool `json:"isEnabled"`
}

type PayloadTransaction struct {
	Quantity int          `json:"quantity"`
	Price    int64        `json:"price"`
	Trade    PayloadTrade `json:"trade"`
}

type PayloadTrade struct {
	FreeShipping         bool `json:"freeShipping"`
	IsDefaultShippingFee bool `json:"isDefaultShippingFee"`
	InPerson             bool `json:"inPerson"`
}

// BuildPayload maps a listing onto the private API body for profile
func BuildPayload(profile *locators.Profile, listing *models.ProductListing) *Payload {
	categoryID := profile.API.DefaultCategoryID
	if c, ok := profile.ResolveCategory(listing.Category); ok && c.APIID != "" {
		categoryID = c.APIID
	}

	keywords := listing.Tags
	if keywords == nil {
		keywords = []string{}
	}

	media := make([]PayloadMedia, 0, len(listing.ImageIDs))
	for _, id := range listing.ImageIDs {
		if id == "" {
			continue
		}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			media = append(media, PayloadMedia{ImageID: n})
		} else {
			media = append(media, PayloadMedia{ImageID: id})
		}
	}

	return &Payload{
		CategoryID: categoryID,
		Common: PayloadCommon{
			Name:        listing.Name,
			Description: listing.Description,
			Keywords:    keywords,
			Condition:   string(listing.EffectiveCondition()),
		},
		Location:          PayloadLocation{Geo: nil},
		Media:             media,
		NaverShoppingData: PayloadShopping{IsEnabled: false},
		Option:            []interface{}{},
		Transaction: PayloadTransaction{
			Quantity: listing.EffectiveQuantity(),
			Price:    listing.Price,
			Trade: PayloadTrade{
				FreeShipping:         true,
				IsDefaultShippingFee: false,
				InPerson:             false,
			},
		},
	}
}
