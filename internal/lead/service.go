package lead

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rezendeimoveis/imoveis-web/internal/log"
	"github.com/rezendeimoveis/imoveis-web/internal/xerrors"
)

// Outcomes passed to Options.OnOutcome.
const (
	OutcomeAccepted      = "accepted"
	OutcomeInvalid       = "invalid"
	OutcomeCMSError      = "cms_error"
	OutcomeNoWhatsApp    = "no_whatsapp"
	OutcomeArchiveFailed = "archive_error"
)

const brokerQuery = `*[_type == "corretora"][0] { whatsapp }`

// ErrWhatsAppNotConfigured means the broker document has no WhatsApp number.
// The lead is already stored when this is returned.
var ErrWhatsAppNotConfigured = errors.New("WhatsApp number not configured")

// Store is the CMS surface the service writes to and reads the broker from.
type Store interface {
	Create(ctx context.Context, doc map[string]any) (string, error)
	Query(ctx context.Context, groq string, params map[string]any, out any) error
}

// Archiver keeps an out-of-band copy of an accepted lead.
type Archiver interface {
	Archive(ctx context.Context, consultaID string, c Consultation, at time.Time) (string, error)
}

// Receipt is what the visitor gets back.
type Receipt struct {
	ConsultaID  string
	WhatsAppURL string
	Message     string
}

type Options struct {
	Store Store
	// Archive is optional.
	Archive     Archiver
	CountryCode string
	Logger      log.Logger
	// OnOutcome is called once per Submit with one of the Outcome constants,
	// plus OutcomeArchiveFailed when the archive copy failed.
	OnOutcome func(outcome string)
	Now       func() time.Time
}

type Service struct {
	store       Store
	archive     Archiver
	countryCode string
	logger      log.Logger
	onOutcome   func(string)
	now         func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, xerrors.New("lead: store is required")
	}
	if opts.CountryCode == "" {
		opts.CountryCode = DefaultCountryCode
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.OnOutcome == nil {
		opts.OnOutcome = func(string) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       opts.Store,
		archive:     opts.Archive,
		countryCode: opts.CountryCode,
		logger:      opts.Logger,
		onOutcome:   opts.OnOutcome,
		now:         opts.Now,
	}, nil
}

// Submit validates c, records it, archives it and builds the WhatsApp link.
// Errors are *ValidationError, ErrWhatsAppNotConfigured, or a CMS failure.
func (s *Service) Submit(ctx context.Context, c Consultation) (Receipt, error) {
	ctx, span := otel.Tracer("imoveis-web/lead").Start(ctx, "lead.submit",
		trace.WithAttributes(attribute.String("lead.tipo", c.Tipo)))
	defer span.End()

	outcome := func(o string) {
		span.SetAttributes(attribute.String("lead.outcome", o))
		s.onOutcome(o)
	}
	fail := func(o string, err error) (Receipt, error) {
		outcome(o)
		span.SetStatus(codes.Error, o)
		span.RecordError(err)
		return Receipt{}, err
	}

	if err := c.Validate(); err != nil {
		return fail(OutcomeInvalid, err)
	}

	at := s.now()
	id, err := s.store.Create(ctx, consultaDoc(c, at))
	if err != nil {
		return fail(OutcomeCMSError, xerrors.Wrap(err, "create consulta"))
	}
	span.SetAttributes(attribute.String("lead.consulta_id", id))
	L := s.logger.With("consulta_id", id)

	if s.archive != nil {
		if key, err := s.archive.Archive(ctx, id, c, at); err != nil {
			outcome(OutcomeArchiveFailed)
			L.Error(ctx, err, "lead archive failed")
		} else {
			L.Debug(ctx, "lead archived", "s3.key", key)
		}
	}

	var broker struct {
		WhatsApp string `json:"whatsapp"`
	}
	if err := s.store.Query(ctx, brokerQuery, nil, &broker); err != nil {
		return fail(OutcomeCMSError, xerrors.Wrap(err, "fetch broker whatsapp"))
	}
	number := NormalizeWhatsApp(broker.WhatsApp, s.countryCode)
	if number == "" {
		L.Warn(ctx, "broker whatsapp number missing, lead stored without hand-off")
		return fail(OutcomeNoWhatsApp, ErrWhatsAppNotConfigured)
	}

	msg := Message(c)
	outcome(OutcomeAccepted)
	L.Info(ctx, "consulta received", "tipo", c.Tipo)
	return Receipt{
		ConsultaID:  id,
		WhatsAppURL: WhatsAppURL(number, msg),
		Message:     msg,
	}, nil
}

// consultaDoc leaves empty optional fields out of the document.
func consultaDoc(c Consultation, at time.Time) map[string]any {
	doc := map[string]any{
		"_type":       "consulta",
		"nome":        c.Nome,
		"email":       c.Email,
		"telefone":    c.Telefone,
		"tipo":        c.Tipo,
		"dataCriacao": at.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"contatado":   false,
	}
	for k, v := range map[string]string{
		"localizacao": c.Localizacao,
		"orcamento":   c.Orcamento,
		"descricao":   c.Descricao,
	} {
		if v != "" {
			doc[k] = v
		}
	}
	return doc
}
