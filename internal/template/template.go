package template

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
)

// Config holds the settings of one trading template.
type Config struct {
	Name           string  `yaml:"name"`
	Account        string  `yaml:"account"`
	MaxOpenTrades  int     `yaml:"maxOpenTrades"`  // 0 means unlimited
	AdjustmentStep float64 `yaml:"adjustmentStep"` // Added to the entry price on every tracking tick
	MinPremium     float64 `yaml:"minPremium"`     // Minimum absolute order price worth trading
	TakeProfit     float64 `yaml:"takeProfit"`     // Fraction of the fill price, 0 disables
	StopLoss       float64 `yaml:"stopLoss"`       // Fraction of the fill price, 0 disables
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Account) == "" {
		errs = append(errs, errors.New("account is required"))
	}
	if c.MaxOpenTrades < 0 {
		errs = append(errs, fmt.Errorf("maxOpenTrades must not be negative, got %d", c.MaxOpenTrades))
	}
	if c.MinPremium < 0 {
		errs = append(errs, fmt.Errorf("minPremium must not be negative, got %f", c.MinPremium))
	}
	if c.TakeProfit < 0 || c.TakeProfit >= 1 {
		errs = append(errs, fmt.Errorf("takeProfit must be in [0, 1), got %f", c.TakeProfit))
	}
	if c.StopLoss < 0 {
		errs = append(errs, fmt.Errorf("stopLoss must not be negative, got %f", c.StopLoss))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: template %q: %w", ports.ErrConfigurationError, c.Name, errors.Join(errs...))
	}
	return nil
}

// Template implements ports.Template for percentage based exits.
type Template struct {
	config Config
}

// New creates a template from a validated configuration.
func New(cfg Config) (*Template, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Template{config: cfg}, nil
}

func (t *Template) Name() string            { return t.config.Name }
func (t *Template) Account() string         { return t.config.Account }
func (t *Template) MaxOpenTrades() int      { return t.config.MaxOpenTrades }
func (t *Template) AdjustmentStep() float64 { return t.config.AdjustmentStep }
func (t *Template) HasTakeProfit() bool     { return t.config.TakeProfit > 0 }
func (t *Template) HasStopLoss() bool       { return t.config.StopLoss > 0 }
func (t *Template) Config() Config          { return t.config }

// MeetsMinimumPremium reports whether the absolute price reaches the configured minimum.
func (t *Template) MeetsMinimumPremium(price float64) bool {
	if price < 0 {
		price = -price
	}
	// Prices are tick rounded, tolerate float noise at the boundary.
	return price+1e-9 >= t.config.MinPremium
}

// direction is +1 for a debit entry and -1 for a credit entry.
func direction(fillPrice float64) float64 {
	if fillPrice < 0 {
		return -1
	}
	return 1
}

// ComposeTakeProfitOrder builds the closing limit order. A credit entry is bought
// back for less, a debit entry is sold for more.
func (t *Template) ComposeTakeProfitOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error) {
	if !t.HasTakeProfit() {
		return nil, fmt.Errorf("%w: template %s has no take-profit", ports.ErrInvalidRequest, t.config.Name)
	}
	if err := checkEntry(entry, fillPrice); err != nil {
		return nil, err
	}
	factor := 1 + direction(fillPrice)*t.config.TakeProfit
	return closingOrder(entry, domain.OrderTypeLimit, pricing.Scale(-fillPrice, factor, len(entry.Legs))), nil
}

// ComposeStopLossOrder builds the closing stop order. A credit entry stops out when
// buying back costs more, a debit entry when its value drops.
func (t *Template) ComposeStopLossOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error) {
	if !t.HasStopLoss() {
		return nil, fmt.Errorf("%w: template %s has no stop-loss", ports.ErrInvalidRequest, t.config.Name)
	}
	if err := checkEntry(entry, fillPrice); err != nil {
		return nil, err
	}
	dir := direction(fillPrice)
	if dir > 0 && t.config.StopLoss >= 1 {
		return nil, fmt.Errorf("%w: stop-loss %.2f would trigger at or below zero", ports.ErrInvalidRequest, t.config.StopLoss)
	}
	factor := 1 - dir*t.config.StopLoss
	return closingOrder(entry, domain.OrderTypeStop, pricing.Scale(-fillPrice, factor, len(entry.Legs))), nil
}

func checkEntry(entry *domain.Order, fillPrice float64) error {
	if entry == nil || len(entry.Legs) == 0 {
		return fmt.Errorf("%w: entry order has no legs", ports.ErrInvalidRequest)
	}
	if fillPrice == 0 {
		return fmt.Errorf("%w: zero fill price", ports.ErrInvalidRequest)
	}
	return nil
}

func closingOrder(entry *domain.Order, typ domain.OrderType, price float64) *domain.Order {
	return &domain.Order{
		Symbol: entry.Symbol,
		Legs:   entry.ClosingLegs(),
		Type:   typ,
		Price:  price,
		Status: domain.OrderNew,
	}
}

// Registry resolves templates by name.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry builds templates from configurations. Names must be unique.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(configs))}
	var errs []error
	for _, cfg := range configs {
		if _, dup := r.templates[cfg.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate template name %q", ports.ErrConfigurationError, cfg.Name))
			continue
		}
		t, err := New(cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.templates[cfg.Name] = t
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Get returns the template registered under name.
func (r *Registry) Get(name string) (*Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownTemplate, name)
	}
	return t, nil
}

// Names returns the registered template names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Accounts returns the distinct accounts the templates trade on.
func (r *Registry) Accounts() []string {
	seen := map[string]bool{}
	var accounts []string
	for _, name := range r.Names() {
		acc := r.templates[name].Account()
		if !seen[acc] {
			seen[acc] = true
			accounts = append(accounts, acc)
		}
	}
	return accounts
}

// Lookup resolves name as a ports.Template.
func (r *Registry) Lookup(name string) (ports.Template, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return t, nil
}
