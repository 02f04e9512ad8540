package lead

import (
	"strings"
)

const (
	DefaultCountryCode = "55"
	waBase             = "https://wa.me/"
)

// Message renders the text the broker receives. Optional fields that are
// empty leave their line blank, the layout stays fixed.
func Message(c Consultation) string {
	optional := func(label, v string) string {
		if v == "" {
			return ""
		}
		return "• " + label + ": " + v
	}
	lines := []string{
		"*Nova Consulta de Imóvel*",
		"",
		"*Dados do Cliente:*",
		"• Nome: " + c.Nome,
		"• Email: " + c.Email,
		"• Telefone: " + c.Telefone,
		"",
		"*Detalhes da Busca:*",
		"• Tipo de Imóvel: " + TipoName(c.Tipo),
		optional("Localização", c.Localizacao),
		optional("Orçamento", c.Orcamento),
		optional("Descrição", c.Descricao),
		"",
		"Responda a este contato para acompanhar.",
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// NormalizeWhatsApp keeps only digits and prefixes countryCode unless the
// number already starts with it. Returns "" when no digits remain.
func NormalizeWhatsApp(number, countryCode string) string {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if countryCode != "" && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits
}

// WhatsAppURL builds the click-to-chat link for an already normalized number.
func WhatsAppURL(number, text string) string {
	return waBase + number + "?text=" + encodeURIComponent(text)
}

// encodeURIComponent matches the browser function: everything except
// A-Z a-z 0-9 - _ . ! ~ * ' ( ) is percent-encoded as UTF-8.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedComponent(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreservedComponent(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
