package main

import (
	"flag"
	"io"

	"homewatch/internal/domain"
	"homewatch/internal/shared"
)

type options struct {
	source  string
	notify  bool
	profile string
	query   domain.QueryInput
}

// parseFlags reads the command line. When --profile is given its values fill
// in every flag the operator did not set explicitly.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("watcher", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	var typ string
	fs.StringVar(&o.source, "source", "api", "listing source: api|scrape")
	fs.BoolVar(&o.notify, "notify", true, "send a Telegram message per new listing")
	fs.StringVar(&o.profile, "profile", "", "YAML search profile")
	fs.StringVar(&o.query.Center, "center", "", "search center as lat,lon")
	fs.StringVar(&o.query.Zone, "zone", "", "zone name (geocoded for api, path segment for scrape)")
	fs.StringVar(&o.query.Neighborhood, "neighborhood", "", "neighborhood path segment (scrape)")
	fs.IntVar(&o.query.Distance, "distance", 3000, "search radius in meters")
	fs.IntVar(&o.query.PriceMax, "price-max", 1000, "price ceiling")
	fs.StringVar(&typ, "type", string(domain.ListingRent), "sale|rent")
	fs.IntVar(&o.query.MinSize, "min-size", 0, "minimum size in m² (0 = any)")

	if err := fs.Parse(args); err != nil {
		return options{}, domain.ConfigErrorf("%v", err)
	}
	o.query.Type = domain.ListingType(typ)

	if o.profile == "" {
		return o, nil
	}
	p, err := shared.LoadProfile(o.profile)
	if err != nil {
		return options{}, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	mergeProfile(&o, p, set)
	return o, nil
}

func mergeProfile(o *options, p shared.Profile, set map[string]bool) {
	pick := func(name string, apply func()) {
		if !set[name] {
			apply()
		}
	}
	q := p.Query
	if p.Source != "" {
		pick("source", func() { o.source = p.Source })
	}
	if p.Notify != nil {
		pick("notify", func() { o.notify = *p.Notify })
	}
	if q.Center != "" {
		pick("center", func() { o.query.Center = q.Center })
	}
	if q.Zone != "" {
		pick("zone", func() { o.query.Zone = q.Zone })
	}
	if q.Neighborhood != "" {
		pick("neighborhood", func() { o.query.Neighborhood = q.Neighborhood })
	}
	if q.Distance != 0 {
		pick("distance", func() { o.query.Distance = q.Distance })
	}
	if q.PriceMax != 0 {
		pick("price-max", func() { o.query.PriceMax = q.PriceMax })
	}
	if q.Type != "" {
		pick("type", func() { o.query.Type = q.Type })
	}
	if q.MinSize != 0 {
		pick("min-size", func() { o.query.MinSize = q.MinSize })
	}
}
