package locators

import (
	"fmt"
	"regexp"
	"strings"
)

// Element keys used in Profile.Targets
const (
	ElementLoginEntry       = "login_entry"
	ElementLoginProvider    = "login_provider"
	ElementUsername         = "username"
	ElementPassword         = "password"
	ElementLoginSubmit      = "login_submit"
	ElementLoggedIn         = "logged_in"
	ElementPhone            = "phone"
	ElementPhoneSubmit      = "phone_submit"
	ElementVerificationCode = "verification_code"
	ElementTitle            = "title"
	ElementPrice            = "price"
	ElementDescription      = "description"
	ElementQuantity         = "quantity"
	ElementTags             = "tags"
	ElementImages           = "images"
	ElementLocation         = "location"
	ElementCategory         = "category"
	ElementConditionNew     = "condition_new"
	ElementConditionUsed    = "condition_used"
	ElementSubmit           = "submit"
	ElementSuccess          = "success"
	ElementCaptcha          = "captcha"
	ElementError            = "error"
)

// Category is how a category name is chosen on the registration form.
// When Value is set it is written into the ElementCategory field (a select);
// otherwise the Locators are clicked.
type Category struct {
	Locators Target `toml:"locators,omitempty" yaml:"locators,omitempty" json:"locators,omitempty"`
	Value    string `toml:"value,omitempty" yaml:"value,omitempty" json:"value,omitempty"`
	APIID    string `toml:"api_id,omitempty" yaml:"api_id,omitempty" json:"api_id,omitempty"` // private API category id
}

// Quirks are platform-specific behaviours of the shared worker
type Quirks struct {
	SMSVerification bool `toml:"sms_verification" yaml:"sms_verification" json:"sms_verification"` // phone login with a manually entered code
	LoginPopup      bool `toml:"login_popup" yaml:"login_popup" json:"login_popup"`                // credentials are entered in a popup window
	ForceDesktop    bool `toml:"force_desktop" yaml:"force_desktop" json:"force_desktop"`          // append desktop flags to the home URL
}

// APIProfile describes a platform's private registration endpoint
type APIProfile struct {
	Enabled           bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint          string `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	Origin            string `toml:"origin" yaml:"origin" json:"origin"`
	Referer           string `toml:"referer" yaml:"referer" json:"referer"`
	DefaultCategoryID string `toml:"default_category_id" yaml:"default_category_id" json:"default_category_id"`
	AuthCookie        string `toml:"auth_cookie" yaml:"auth_cookie" json:"auth_cookie"` // cookie carrying the auth token
	AuthHeader        string `toml:"auth_header" yaml:"auth_header" json:"auth_header"` // header the auth token is sent in
	ProductURLFormat  string `toml:"product_url_format" yaml:"product_url_format" json:"product_url_format"`
}

// Profile is the complete configuration for automating one platform
type Profile struct {
	Platform          string              `toml:"platform" yaml:"platform" json:"platform"`
	DisplayName       string              `toml:"display_name" yaml:"display_name" json:"display_name"`
	HomeURL           string              `toml:"home_url" yaml:"home_url" json:"home_url"`
	LoginURL          string              `toml:"login_url" yaml:"login_url" json:"login_url"`
	RegisterURL       string              `toml:"register_url" yaml:"register_url" json:"register_url"`
	ListingURLPattern string              `toml:"listing_url_pattern" yaml:"listing_url_pattern" json:"listing_url_pattern"`
	Targets           map[string]Target   `toml:"targets" yaml:"targets" json:"targets"`
	Categories        map[string]Category `toml:"categories" yaml:"categories" json:"categories"`
	DefaultCategory   string              `toml:"default_category" yaml:"default_category" json:"default_category"`
	BlockingMarkers   []string            `toml:"blocking_markers" yaml:"blocking_markers" json:"blocking_markers"`
	Quirks            Quirks              `toml:"quirks" yaml:"quirks" json:"quirks"`
	API               APIProfile          `toml:"api" yaml:"api" json:"api"`

	listingRe *regexp.Regexp
}

// Target returns the candidates for an element key
func (p *Profile) Target(element string) Target {
	return p.Targets[element]
}

// Has reports whether the profile defines candidates for element
func (p *Profile) Has(element string) bool {
	return !p.Targets[element].Empty()
}

// IsListingURL reports whether url has the shape of a listing-detail page
func (p *Profile) IsListingURL(url string) bool {
	if p.listingRe == nil {
		return false
	}
	return p.listingRe.MatchString(url)
}

// ExternalID extracts the listing id from a listing-detail URL.
// The first capture group of the pattern is used when present,
// otherwise the last path segment.
func (p *Profile) ExternalID(url string) string {
	if p.listingRe != nil {
		if m := p.listingRe.FindStringSubmatch(url); len(m) > 1 {
			return m[1]
		}
	}
	trimmed := strings.TrimRight(strings.SplitN(url, "?", 2)[0], "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// ResolveCategory returns the category rule for name, falling back to the
// profile default. ok is false when neither exists.
func (p *Profile) ResolveCategory(name string) (Category, bool) {
	if c, ok := p.Categories[name]; ok {
		return c, true
	}
	if p.DefaultCategory != "" {
		c, ok := p.Categories[p.DefaultCategory]
		return c, ok
	}
	return Category{}, false
}

// EntryURL returns the home URL including desktop flags when required
func (p *Profile) EntryURL() string {
	if !p.Quirks.ForceDesktop || strings.Contains(p.HomeURL, "force_desktop") {
		return p.HomeURL
	}
	sep := "?"
	if strings.Contains(p.HomeURL, "?") {
		sep = "&"
	}
	return p.HomeURL + sep + "desktop=1&force_desktop=true"
}

// Compile validates the profile and prepares the listing pattern
func (p *Profile) Compile() error {
	if p.Platform == "" {
		return fmt.Errorf("profile platform is required")
	}
	for name, value := range map[string]string{
		"home_url":     p.HomeURL,
		"login_url":    p.LoginURL,
		"register_url": p.RegisterURL,
	} {
		if value == "" {
			return fmt.Errorf("profile %s: %s is required", p.Platform, name)
		}
	}
	if p.ListingURLPattern == "" {
		return fmt.Errorf("profile %s: listing_url_pattern is required", p.Platform)
	}

	re, err := regexp.Compile(p.ListingURLPattern)
	if err != nil {
		return fmt.Errorf("profile %s: invalid listing_url_pattern: %w", p.Platform, err)
	}
	p.listingRe = re

	for element, target := range p.Targets {
		for i, loc := range target {
			if err := loc.Validate(); err != nil {
				return fmt.Errorf("profile %s: target %s[%d]: %w", p.Platform, element, i, err)
			}
		}
	}

	for _, required := range []string{ElementTitle, ElementSubmit} {
		if !p.Has(required) {
			return fmt.Errorf("profile %s: target %s is required", p.Platform, required)
		}
	}

	return nil
}

// clone returns a deep copy so overrides never mutate shared built-ins
func (p *Profile) clone() *Profile {
	c := *p
	c.Targets = make(map[string]Target, len(p.Targets))
	for k, v := range p.Targets {
		c.Targets[k] = append(Target(nil), v...)
	}
	c.Categories = make(map[string]Category, len(p.Categories))
	for k, v := range p.Categories {
		v.Locators = append(Target(nil), v.Locators...)
		c.Categories[k] = v
	}
	c.BlockingMarkers = append([]string(nil), p.BlockingMarkers...)
	return &c
}

// merge applies non-empty fields of o over p
func (p *Profile) merge(o *Profile) {
	if o.DisplayName != "" {
		p.DisplayName = o.DisplayName
	}
	if o.HomeURL != "" {
		p.HomeURL = o.HomeURL
	}
	if o.LoginURL != "" {
		p.LoginURL = o.LoginURL
	}
	if o.RegisterURL != "" {
		p.RegisterURL = o.RegisterURL
	}
	if o.ListingURLPattern != "" {
		p.ListingURLPattern = o.ListingURLPattern
	}
	if o.DefaultCategory != "" {
		p.DefaultCategory = o.DefaultCategory
	}
	if len(o.BlockingMarkers) > 0 {
		p.BlockingMarkers = o.BlockingMarkers
	}
	if p.Targets == nil {
		p.Targets = make(map[string]Target)
	}
	for k, v := range o.Targets {
		p.Targets[k] = v
	}
	if p.Categories == nil {
		p.Categories = make(map[string]Category)
	}
	for k, v := range o.Categories {
		p.Categories[k] = v
	}
	if o.Quirks != (Quirks{}) {
		p.Quirks = o.Quirks
	}
	if o.API != (APIProfile{}) {
		p.API = o.API
	}
}
