// Package orderflow is the order conversation: a sealed set of stage states
// and a pure Transition function driven by chat events. Nothing here touches
// balances or the provider; the caller acts on the returned Effect.
package orderflow

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AlexeySalamakhin/smmbroker/cmd/smmbroker/models"
)

var (
	ErrNotANumber      = errors.New("not a number")
	ErrOutOfRange      = errors.New("quantity out of range")
	ErrEmptyLink       = errors.New("link must not be empty")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownService  = errors.New("unknown service")
	ErrNoCharge        = errors.New("order total must be positive")
)

type Stage string

const (
	StageCategory Stage = "category"
	StageService  Stage = "service"
	StageLink     Stage = "link"
	StageQuantity Stage = "quantity"
	StageConfirm  Stage = "confirm"
)

type State interface {
	Stage() Stage
	isState()
}

type CategorySelection struct {
	Catalogue []models.Offering `json:"catalogue"`
}

type ServiceSelection struct {
	Catalogue []models.Offering `json:"catalogue"`
	Category  string            `json:"category"`
}

type LinkEntry struct {
	Catalogue []models.Offering `json:"catalogue"`
	Category  string            `json:"category"`
	Offering  models.Offering   `json:"offering"`
}

type QuantityEntry struct {
	Catalogue []models.Offering `json:"catalogue"`
	Category  string            `json:"category"`
	Offering  models.Offering   `json:"offering"`
	Link      string            `json:"link"`
}

type Confirmation struct {
	Catalogue []models.Offering `json:"catalogue"`
	Category  string            `json:"category"`
	Offering  models.Offering   `json:"offering"`
	Link      string            `json:"link"`
	Quantity  int64             `json:"quantity"`
	Charge    decimal.Decimal   `json:"charge"`
}

func (CategorySelection) Stage() Stage { return StageCategory }
func (ServiceSelection) Stage() Stage  { return StageService }
func (LinkEntry) Stage() Stage         { return StageLink }
func (QuantityEntry) Stage() Stage     { return StageQuantity }
func (Confirmation) Stage() Stage      { return StageConfirm }

func (CategorySelection) isState() {}
func (ServiceSelection) isState()  {}
func (LinkEntry) isState()         {}
func (QuantityEntry) isState()     {}
func (Confirmation) isState()      {}

type Event interface {
	isEvent()
}

type ChooseCategory struct{ Category string }
type ChooseService struct{ ServiceID int64 }
type EnterText struct{ Text string }
type Back struct{}
type Cancel struct{}
type Confirm struct{}

func (ChooseCategory) isEvent() {}
func (ChooseService) isEvent()  {}
func (EnterText) isEvent()      {}
func (Back) isEvent()           {}
func (Cancel) isEvent()         {}
func (Confirm) isEvent()        {}

type Effect int

const (
	// EffectPrompt: the state changed, prompt for the new stage.
	EffectPrompt Effect = iota
	// EffectReprompt: the state is unchanged; re-prompt, with the error if any.
	EffectReprompt
	// EffectCancel: discard the conversation.
	EffectCancel
	// EffectSubmit: the user confirmed; the caller places the order.
	EffectSubmit
)

// Pricing turns provider rates into user prices.
type Pricing struct {
	MarkupPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// UnitPrice is the price per 1000 units including markup.
func (p Pricing) UnitPrice(rate decimal.Decimal) decimal.Decimal {
	return rate.Mul(decimal.NewFromInt(1).Add(p.MarkupPercent.Div(hundred)))
}

// DisplayPrice is UnitPrice rounded for menus. It is never used for billing.
func (p Pricing) DisplayPrice(rate decimal.Decimal) string {
	return p.UnitPrice(rate).StringFixed(4)
}

// Charge is quantity/1000 × rate × (1 + markup), unrounded.
func (p Pricing) Charge(rate decimal.Decimal, quantity int64) decimal.Decimal {
	return decimal.NewFromInt(quantity).Mul(p.UnitPrice(rate)).Shift(-3)
}

// Start builds the first stage from a freshly fetched catalogue.
func Start(catalogue []models.Offering) CategorySelection {
	return CategorySelection{Catalogue: catalogue}
}

// Categories returns the distinct categories of the catalogue, sorted.
func Categories(catalogue []models.Offering) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, o := range catalogue {
		if _, ok := seen[o.Category]; ok {
			continue
		}
		seen[o.Category] = struct{}{}
		out = append(out, o.Category)
	}
	sort.Strings(out)
	return out
}

// OfferingsIn returns the offerings of one category sorted by name.
func OfferingsIn(catalogue []models.Offering, category string) []models.Offering {
	var out []models.Offering
	for _, o := range catalogue {
		if o.Category == category {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transition applies ev to st. Validation failures return st unchanged with
// EffectReprompt and the error; events that do not fit the stage re-prompt
// without an error.
func Transition(st State, ev Event, p Pricing) (State, Effect, error) {
	if _, ok := ev.(Cancel); ok {
		return nil, EffectCancel, nil
	}
	switch s := st.(type) {
	case CategorySelection:
		return s.next(ev)
	case ServiceSelection:
		return s.next(ev)
	case LinkEntry:
		return s.next(ev)
	case QuantityEntry:
		return s.next(ev, p)
	case Confirmation:
		return s.next(ev, p)
	}
	return st, EffectReprompt, fmt.Errorf("unknown state %T", st)
}

func (s CategorySelection) next(ev Event) (State, Effect, error) {
	e, ok := ev.(ChooseCategory)
	if !ok {
		return s, EffectReprompt, nil
	}
	if len(OfferingsIn(s.Catalogue, e.Category)) == 0 {
		return s, EffectReprompt, ErrUnknownCategory
	}
	return ServiceSelection{Catalogue: s.Catalogue, Category: e.Category}, EffectPrompt, nil
}

func (s ServiceSelection) next(ev Event) (State, Effect, error) {
	switch e := ev.(type) {
	case Back:
		return CategorySelection{Catalogue: s.Catalogue}, EffectPrompt, nil
	case ChooseService:
		for _, o := range OfferingsIn(s.Catalogue, s.Category) {
			if o.ID == e.ServiceID {
				return LinkEntry{Catalogue: s.Catalogue, Category: s.Category, Offering: o}, EffectPrompt, nil
			}
		}
		return s, EffectReprompt, ErrUnknownService
	}
	return s, EffectReprompt, nil
}

func (s LinkEntry) next(ev Event) (State, Effect, error) {
	switch e := ev.(type) {
	case Back:
		return ServiceSelection{Catalogue: s.Catalogue, Category: s.Category}, EffectPrompt, nil
	case EnterText:
		link := strings.TrimSpace(e.Text)
		if link == "" {
			return s, EffectReprompt, ErrEmptyLink
		}
		return QuantityEntry{Catalogue: s.Catalogue, Category: s.Category, Offering: s.Offering, Link: link}, EffectPrompt, nil
	}
	return s, EffectReprompt, nil
}

func (s QuantityEntry) next(ev Event, p Pricing) (State, Effect, error) {
	switch e := ev.(type) {
	case Back:
		return LinkEntry{Catalogue: s.Catalogue, Category: s.Category, Offering: s.Offering}, EffectPrompt, nil
	case EnterText:
		qty, err := ParseQuantity(e.Text, s.Offering)
		if err != nil {
			return s, EffectReprompt, err
		}
		charge := p.Charge(s.Offering.Rate, qty)
		if !charge.IsPositive() {
			return s, EffectReprompt, ErrNoCharge
		}
		return Confirmation{
			Catalogue: s.Catalogue,
			Category:  s.Category,
			Offering:  s.Offering,
			Link:      s.Link,
			Quantity:  qty,
			Charge:    charge,
		}, EffectPrompt, nil
	}
	return s, EffectReprompt, nil
}

// At confirmation a new quantity may still be typed, as in the quantity stage.
func (s Confirmation) next(ev Event, p Pricing) (State, Effect, error) {
	switch ev.(type) {
	case Confirm:
		return s, EffectSubmit, nil
	case Back:
		return s.quantityEntry(), EffectPrompt, nil
	case EnterText:
		next, eff, err := s.quantityEntry().next(ev, p)
		if err != nil {
			return s, EffectReprompt, err
		}
		return next, eff, nil
	}
	return s, EffectReprompt, nil
}

func (s Confirmation) quantityEntry() QuantityEntry {
	return QuantityEntry{Catalogue: s.Catalogue, Category: s.Category, Offering: s.Offering, Link: s.Link}
}

// ParseQuantity parses an integer quantity and checks it against the offering limits.
func ParseQuantity(text string, o models.Offering) (int64, error) {
	qty, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, ErrNotANumber
	}
	if qty < o.Min || qty > o.Max {
		return 0, fmt.Errorf("%w: must be between %d and %d", ErrOutOfRange, o.Min, o.Max)
	}
	return qty, nil
}
