// Package listing serves the for-sale property catalog out of the CMS.
package listing

import (
	"math"
	"strconv"
	"strings"

	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// Property is the public projection of an "imovel" CMS document.
type Property struct {
	ID          string  `json:"_id"`
	Titulo      string  `json:"titulo"`
	Slug        string  `json:"slug"`
	Tipo        string  `json:"tipo"`
	Status      string  `json:"status"`
	Preco       float64 `json:"preco"`
	Localizacao string  `json:"localizacao,omitempty"`
	Bairro      string  `json:"bairro,omitempty"`
	Cidade      string  `json:"cidade,omitempty"`
	Area        float64 `json:"area,omitempty"`
	Quartos     int     `json:"quartos,omitempty"`
	Banheiros   int     `json:"banheiros,omitempty"`
	Vagas       int     `json:"vagas,omitempty"`
	Destaque    bool    `json:"destaque"`
}

// PriceRange bounds are inclusive. A nil bound is open.
type PriceRange struct {
	Min *float64
	Max *float64
}

func (r PriceRange) contains(p float64) bool {
	if r.Min != nil && p < *r.Min {
		return false
	}
	if r.Max != nil && p > *r.Max {
		return false
	}
	return true
}

// ParsePriceRange parses "min-max" where either side may be empty, so
// "2000000-" has no upper bound. The empty string is the unbounded range.
func ParsePriceRange(s string) (PriceRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PriceRange{}, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return PriceRange{}, xerrors.Newf("faixa %q: want min-max", s)
	}
	var r PriceRange
	var err error
	if r.Min, err = parseBound(lo); err != nil {
		return PriceRange{}, xerrors.Wrapf(err, "faixa %q: min", s)
	}
	if r.Max, err = parseBound(hi); err != nil {
		return PriceRange{}, xerrors.Wrapf(err, "faixa %q: max", s)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return PriceRange{}, xerrors.Newf("faixa %q: min above max", s)
	}
	return r, nil
}

func parseBound(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, xerrors.Newf("price %q is not a finite number", s)
	}
	if v < 0 {
		return nil, xerrors.New("negative price")
	}
	return &v, nil
}

type Filter struct {
	Tipo  string
	Faixa PriceRange
	Busca string
}

// Apply returns the properties matching every set criterion, keeping order.
func (f Filter) Apply(props []Property) []Property {
	busca := strings.ToLower(strings.TrimSpace(f.Busca))
	out := make([]Property, 0, len(props))
	for _, p := range props {
		if f.Tipo != "" && p.Tipo != f.Tipo {
			continue
		}
		if !f.Faixa.contains(p.Preco) {
			continue
		}
		if busca != "" {
			hay := strings.ToLower(p.Titulo + " " + p.Localizacao + " " + p.Bairro)
			if !strings.Contains(hay, busca) {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}
