package app

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"homewatch/internal/adapters/observability"
	"homewatch/internal/domain"
)

// DefaultCenter is used when no center is given or a zone cannot be geocoded
// (Puerta del Sol, Madrid).
var DefaultCenter = domain.Coords{Lat: 40.4167, Lon: -3.70325}

type validatorSvc struct {
	v     *validator.Validate
	trans ut.Translator
}

var (
	vOnce sync.Once
	vSvc  *validatorSvc
)

// queryValidator returns the shared validator with english messages keyed by
// yaml field names.
func queryValidator() *validatorSvc {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("yaml")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)
		vSvc = &validatorSvc{v: v, trans: trans}
	})
	return vSvc
}

// Resolution is the outcome of Resolve. FellBack reports that the default
// center replaced an unresolved zone.
type Resolution struct {
	Params   domain.QueryParameters
	FellBack bool
}

type Resolver struct {
	geo domain.Geocoder
}

func NewResolver(geo domain.Geocoder) *Resolver { return &Resolver{geo: geo} }

// Resolve validates in and turns it into the run's query parameters. Invalid
// input is a config error. A geocode miss is never fatal.
func (r *Resolver) Resolve(ctx context.Context, in domain.QueryInput, kind domain.SourceKind) (Resolution, error) {
	if err := validateInput(in); err != nil {
		return Resolution{}, err
	}

	q := domain.QueryParameters{
		Zone:         strings.TrimSpace(in.Zone),
		Neighborhood: strings.TrimSpace(in.Neighborhood),
		Distance:     in.Distance,
		Type:         in.Type,
		PriceMax:     in.PriceMax,
		Center:       DefaultCenter,
	}
	if in.MinSize > 0 {
		ms := in.MinSize
		q.MinSize = &ms
	}

	if kind == domain.SourceScrape {
		if q.Zone == "" {
			return Resolution{}, domain.ConfigErrorf("scrape source needs --zone")
		}
		return Resolution{Params: q}, nil
	}

	if c := strings.TrimSpace(in.Center); c != "" {
		coords, err := domain.ParseCoords(c)
		if err != nil {
			return Resolution{}, domain.ConfigErrorf("%v", err)
		}
		q.Center = coords
		return Resolution{Params: q}, nil
	}

	if q.Zone == "" || r.geo == nil {
		return Resolution{Params: q}, nil
	}

	logger := observability.Named("resolver")
	coords, found, err := r.geo.Geocode(ctx, q.Zone)
	if err != nil || !found {
		miss := domain.GeocodeMiss(q.Zone, err)
		logger.Warn().Err(miss).Str("default_center", DefaultCenter.String()).Msg("using default center")
		return Resolution{Params: q, FellBack: true}, nil
	}
	logger.Info().Str("zone", q.Zone).Str("center", coords.String()).Msg("zone resolved")
	q.Center = coords
	return Resolution{Params: q}, nil
}

func validateInput(in domain.QueryInput) error {
	svc := queryValidator()
	err := svc.v.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.ConfigErrorf("query validation: %v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Translate(svc.trans))
	}
	sort.Strings(msgs)
	return domain.ConfigErrorf("invalid query: %s", strings.Join(msgs, "; "))
}
