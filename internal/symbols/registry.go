package symbols

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry is the allow-list of supported trading pairs plus the base
// prices used to fabricate synthetic quotes when every real source fails.
type Registry struct {
	basePrices map[string]float64
}

// fileConfig represents the YAML configuration structure
type fileConfig struct {
	Symbols []struct {
		Symbol    string  `yaml:"symbol"`
		BasePrice float64 `yaml:"base_price"`
	} `yaml:"symbols"`
}

// DefaultBasePrices covers the pairs the product ships with. Base prices
// are deliberately approximate; they only anchor synthetic fallback quotes.
var DefaultBasePrices = map[string]float64{
	"BTCUSDT":  65000,
	"ETHUSDT":  3500,
	"BNBUSDT":  600,
	"SOLUSDT":  150,
	"XRPUSDT":  0.55,
	"ADAUSDT":  0.45,
	"DOGEUSDT": 0.12,
	"AVAXUSDT": 35,
	"DOTUSDT":  7,
	"LINKUSDT": 15,
}

// NewRegistry builds a registry from an explicit base-price table.
func NewRegistry(basePrices map[string]float64) *Registry {
	prices := make(map[string]float64, len(basePrices))
	for symbol, price := range basePrices {
		prices[strings.ToUpper(symbol)] = price
	}
	return &Registry{basePrices: prices}
}

// LoadFromYAML loads the supported symbol table from a YAML file.
func LoadFromYAML(filePath string) (*Registry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse symbols YAML: %w", err)
	}

	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols found in config file")
	}

	prices := make(map[string]float64, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		prices[strings.ToUpper(s.Symbol)] = s.BasePrice
	}
	return &Registry{basePrices: prices}, nil
}

// LoadWithFallback tries to load from YAML, falls back to defaults.
func LoadWithFallback(filePath string) *Registry {
	reg, err := LoadFromYAML(filePath)
	if err != nil {
		return NewRegistry(DefaultBasePrices)
	}
	return reg
}

// IsSupported reports whether symbol is in the allow-list.
func (r *Registry) IsSupported(symbol string) bool {
	_, ok := r.basePrices[strings.ToUpper(symbol)]
	return ok
}

// BasePrice returns the synthetic base price for symbol. Symbols outside
// the allow-list get 1.0 so fallback math never divides by zero.
func (r *Registry) BasePrice(symbol string) float64 {
	if price, ok := r.basePrices[strings.ToUpper(symbol)]; ok && price > 0 {
		return price
	}
	return 1.0
}

// Symbols returns the supported symbols.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.basePrices))
	for symbol := range r.basePrices {
		out = append(out, symbol)
	}
	return out
}
