package browser

import (
	"strconv"
	"strings"

	"homewatch/internal/domain"
)

const DefaultSiteBase = "https://www.idealista.com"

// BuildSearchURL renders the public search page for a zone:
//
//	{base}/{venta|alquiler}-viviendas/{zone}/[{neighborhood}/][con-precio-hasta_{max}/]
func BuildSearchURL(base, zone, neighborhood string, priceMax int, t domain.ListingType) string {
	if base == "" {
		base = DefaultSiteBase
	}
	typePath := "venta-viviendas"
	if t == domain.ListingRent {
		typePath = "alquiler-viviendas"
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString("/" + typePath + "/")
	b.WriteString(strings.Trim(zone, "/") + "/")
	if n := strings.Trim(neighborhood, "/"); n != "" {
		b.WriteString(n + "/")
	}
	if priceMax > 0 {
		b.WriteString("con-precio-hasta_" + strconv.Itoa(priceMax) + "/")
	}
	return b.String()
}
