// Package device holds the built-in catalog of client profiles the dispatcher
// assigns to requests.
package device

import (
	"strings"
	"time"

	"volley/internal/dispatch"
)

const (
	acceptHTML   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptSafari = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultLang  = "en-US,en;q=0.9"
)

var builtin = []dispatch.Profile{
	{
		Name:      "chrome-windows",
		Type:      dispatch.DeviceDesktop,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Accept:    acceptHTML,
	},
	{
		Name:      "firefox-windows",
		Type:      dispatch.DeviceDesktop,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		Accept:    acceptHTML,
	},
	{
		Name:      "safari-macos",
		Type:      dispatch.DeviceDesktop,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		Accept:    acceptSafari,
	},
	{
		Name:      "edge-windows",
		Type:      dispatch.DeviceDesktop,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		Accept:    acceptHTML,
	},
	{
		Name:      "chrome-linux",
		Type:      dispatch.DeviceDesktop,
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Accept:    acceptHTML,
	},
	{
		Name:      "safari-iphone",
		Type:      dispatch.DeviceMobile,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		Accept:    acceptSafari,
	},
	{
		Name:      "chrome-android",
		Type:      dispatch.DeviceMobile,
		UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
		Accept:    acceptHTML,
	},
	{
		Name:      "samsung-android",
		Type:      dispatch.DeviceMobile,
		UserAgent: "Mozilla/5.0 (Linux; Android 14; SM-S921B) AppleWebKit/537.36 (KHTML, like Gecko) SamsungBrowser/24.0 Chrome/117.0.0.0 Mobile Safari/537.36",
		Accept:    acceptHTML,
	},
	{
		Name:      "safari-ipad",
		Type:      dispatch.DeviceTablet,
		UserAgent: "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		Accept:    acceptSafari,
	},
	{
		Name:      "chrome-android-tablet",
		Type:      dispatch.DeviceTablet,
		UserAgent: "Mozilla/5.0 (Linux; Android 13; SM-X710) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Accept:    acceptHTML,
	},
}

// languages maps ISO country codes to an Accept-Language value.
var languages = map[string]string{
	"US": "en-US,en;q=0.9",
	"GB": "en-GB,en;q=0.9",
	"CA": "en-CA,en;q=0.9,fr-CA;q=0.8",
	"AU": "en-AU,en;q=0.9",
	"DE": "de-DE,de;q=0.9,en;q=0.8",
	"FR": "fr-FR,fr;q=0.9,en;q=0.8",
	"ES": "es-ES,es;q=0.9,en;q=0.8",
	"IT": "it-IT,it;q=0.9,en;q=0.8",
	"NL": "nl-NL,nl;q=0.9,en;q=0.8",
	"BR": "pt-BR,pt;q=0.9,en;q=0.8",
	"MX": "es-MX,es;q=0.9,en;q=0.8",
	"JP": "ja-JP,ja;q=0.9,en;q=0.8",
	"KR": "ko-KR,ko;q=0.9,en;q=0.8",
	"ID": "id-ID,id;q=0.9,en;q=0.8",
	"IN": "en-IN,en;q=0.9,hi;q=0.8",
	"RU": "ru-RU,ru;q=0.9,en;q=0.8",
	"TR": "tr-TR,tr;q=0.9,en;q=0.8",
}

// Language returns the Accept-Language for a country, falling back to en-US.
func Language(country string) string {
	if v, ok := languages[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return v
	}
	return defaultLang
}

// Catalog implements dispatch.ProfileProvider over a fixed profile list.
type Catalog struct {
	byType   map[dispatch.DeviceType][]dispatch.Profile
	all      []dispatch.Profile
	language string
	rng      dispatch.Rand
}

// New returns the built-in catalog with Accept-Language set for country.
// rng may be nil.
func New(country string, rng dispatch.Rand) *Catalog {
	return NewWithProfiles(builtin, country, rng)
}

// NewWithProfiles builds a catalog from custom profiles. Profiles with an
// unknown type are listed only under "random".
func NewWithProfiles(profiles []dispatch.Profile, country string, rng dispatch.Rand) *Catalog {
	if rng == nil {
		rng = dispatch.NewRand(time.Now().UnixNano())
	}
	c := &Catalog{
		byType:   make(map[dispatch.DeviceType][]dispatch.Profile),
		language: Language(country),
		rng:      rng,
	}
	for _, p := range profiles {
		c.all = append(c.all, p)
		c.byType[p.Type] = append(c.byType[p.Type], p)
	}
	return c
}

// RandomProfile picks uniformly within filter. DeviceRandom, or a type with no
// profiles, picks across the whole catalog.
func (c *Catalog) RandomProfile(filter dispatch.DeviceType) dispatch.Profile {
	pool := c.byType[filter]
	if filter == dispatch.DeviceRandom || len(pool) == 0 {
		pool = c.all
	}
	if len(pool) == 0 {
		return dispatch.Profile{Name: "blank", Type: filter, AcceptLanguage: c.language}
	}
	p := pool[c.rng.Intn(len(pool))]
	if p.AcceptLanguage == "" {
		p.AcceptLanguage = c.language
	}
	return p
}

// Count reports how many profiles match filter.
func (c *Catalog) Count(filter dispatch.DeviceType) int {
	if filter == dispatch.DeviceRandom {
		return len(c.all)
	}
	return len(c.byType[filter])
}
