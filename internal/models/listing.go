package models

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// Condition of a listed item
type Condition string

const (
	ConditionNew  Condition = "NEW"
	ConditionUsed Condition = "USED"
)

// ProductListing is the input for one registration attempt.
// It is treated as immutable once an attempt starts.
type ProductListing struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required,max=100"`
	Description string    `json:"description" validate:"required"`
	Price       int64     `json:"price" validate:"gt=0"`
	Quantity    int       `json:"quantity" validate:"gte=0"`
	Category    string    `json:"category"`
	Condition   Condition `json:"condition" validate:"omitempty,oneof=NEW USED"`
	Location    string    `json:"location"`
	Images      []string  `json:"images"`     // local file paths uploaded through the form
	ImageIDs    []string  `json:"image_ids"`  // platform media ids used by direct API registration
	Tags        []string  `json:"tags" validate:"max=5"`
	Platform    string    `json:"platform,omitempty"`
}

// Validate checks the listing against its struct tags
func (l *ProductListing) Validate() error {
	validate := validator.New()
	return validate.Struct(l)
}

// EffectiveQuantity returns the quantity, defaulting to 1
func (l *ProductListing) EffectiveQuantity() int {
	if l.Quantity <= 0 {
		return 1
	}
	return l.Quantity
}

// EffectiveCondition returns the condition, defaulting to used
func (l *ProductListing) EffectiveCondition() Condition {
	if l.Condition == "" {
		return ConditionUsed
	}
	return Condition(strings.ToUpper(string(l.Condition)))
}

// Credentials are the account details used for UI login
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// IsEmpty reports whether no login details were supplied
func (c *Credentials) IsEmpty() bool {
	return c == nil || (c.Username == "" && c.Password == "" && c.Phone == "")
}
