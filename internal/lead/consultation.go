// Package lead handles the consultation form: validation, recording the lead
// in the CMS, archiving it and building the WhatsApp hand-off to the broker.
package lead

import (
	"regexp"
	"slices"
	"strings"
)

// Consultation is the public form payload. Field names follow the CMS schema.
type Consultation struct {
	Nome        string `json:"nome"`
	Email       string `json:"email"`
	Telefone    string `json:"telefone"`
	Tipo        string `json:"tipo"`
	Localizacao string `json:"localizacao,omitempty"`
	Orcamento   string `json:"orcamento,omitempty"`
	Descricao   string `json:"descricao,omitempty"`
}

// Tipos are the accepted property types, in form order.
var Tipos = []string{"casa", "apartamento", "studio", "terreno", "comercial", "nao_sei"}

var tipoNames = map[string]string{
	"casa":        "Casa",
	"apartamento": "Apartamento",
	"studio":      "Studio",
	"terreno":     "Terreno",
	"comercial":   "Comercial",
	"nao_sei":     "Não sei",
}

var emailRE = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidationError is a client mistake, answered with 400 and Message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate checks required fields, then email shape, then tipo.
func (c Consultation) Validate() error {
	if c.Nome == "" || c.Email == "" || c.Telefone == "" || c.Tipo == "" {
		return &ValidationError{Message: "Missing required fields: nome, email, telefone, tipo"}
	}
	if !emailRE.MatchString(c.Email) {
		return &ValidationError{Message: "Invalid email format"}
	}
	if !slices.Contains(Tipos, c.Tipo) {
		return &ValidationError{Message: "Invalid tipo. Must be one of: " + strings.Join(Tipos, ", ")}
	}
	return nil
}

// TipoName is the display name of a property type, or the raw value.
func TipoName(tipo string) string {
	if n, ok := tipoNames[tipo]; ok {
		return n
	}
	return tipo
}
