package sitehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rezendeimoveis/imoveis-web/internal/httpmw"
	"github.com/rezendeimoveis/imoveis-web/internal/lead"
	"github.com/rezendeimoveis/imoveis-web/internal/listing"
	"github.com/rezendeimoveis/imoveis-web/internal/log"
)

const submittedMessage = "Consulta salva com sucesso. Redirecionando para WhatsApp..."

// Submitter records a consultation and returns the WhatsApp hand-off.
type Submitter interface {
	Submit(ctx context.Context, c lead.Consultation) (lead.Receipt, error)
}

// Lister reads the for-sale catalog.
type Lister interface {
	List(ctx context.Context, f listing.Filter) ([]listing.Property, error)
	BySlug(ctx context.Context, slug string) (listing.Property, error)
}

// Routes owns the public API and the studio mount. Nil members leave their
// routes unregistered, except Studio which answers 404.
type Routes struct {
	Leads   Submitter
	Catalog Lister
	Studio  http.Handler
}

func New(leads Submitter, catalog Lister, studio http.Handler) *Routes {
	return &Routes{Leads: leads, Catalog: catalog, Studio: studio}
}

func (rt *Routes) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		if rt.Leads != nil {
			r.With(httpmw.Scope("consultas")).Post("/consultas", rt.createConsulta)
		}
		if rt.Catalog != nil {
			r.With(httpmw.Scope("imoveis")).Get("/imoveis", rt.listImoveis)
			r.With(httpmw.Scope("imoveis")).Get("/imoveis/{slug}", rt.getImovel)
		}
	})

	studio := rt.Studio
	if studio == nil {
		studio = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		})
	}
	studio = httpmw.Scope("studio")(studio)
	r.Handle("/studio", studio)
	r.Handle("/studio/*", studio)
}

type consultaResponse struct {
	Success     bool   `json:"success"`
	ConsultaID  string `json:"consultaId"`
	WhatsAppURL string `json:"whatsappUrl"`
	Message     string `json:"message"`
}

func (rt *Routes) createConsulta(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	var c lead.Consultation
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	receipt, err := rt.Leads.Submit(ctx, c)
	if err != nil {
		var verr *lead.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Message)
		case errors.Is(err, lead.ErrWhatsAppNotConfigured):
			writeError(w, http.StatusInternalServerError, lead.ErrWhatsAppNotConfigured.Error())
		default:
			L.Error(ctx, err, "error creating consulta")
			writeError(w, http.StatusInternalServerError, "Failed to create consulta")
		}
		return
	}

	writeJSON(w, http.StatusOK, consultaResponse{
		Success:     true,
		ConsultaID:  receipt.ConsultaID,
		WhatsAppURL: receipt.WhatsAppURL,
		Message:     submittedMessage,
	})
}

type listResponse struct {
	Count   int                `json:"count"`
	Imoveis []listing.Property `json:"imoveis"`
}

func (rt *Routes) listImoveis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	faixa, err := listing.ParsePriceRange(q.Get("faixa"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid faixa. Use min-max, e.g. 500000-1000000")
		return
	}
	props, err := rt.Catalog.List(ctx, listing.Filter{
		Tipo:  q.Get("tipo"),
		Faixa: faixa,
		Busca: q.Get("busca"),
	})
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "list imoveis")
		writeError(w, http.StatusBadGateway, "Failed to load imoveis")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(props), Imoveis: props})
}

func (rt *Routes) getImovel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := rt.Catalog.BySlug(ctx, chi.URLParam(r, "slug"))
	switch {
	case errors.Is(err, listing.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		log.FromContext(ctx).Error(ctx, err, "get imovel")
		writeError(w, http.StatusBadGateway, "Failed to load imovel")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Fallback answers unmatched routes and methods with a JSON error so the
// API never falls through to chi's plain-text defaults.
func Fallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}
