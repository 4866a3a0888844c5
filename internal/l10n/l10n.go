// Package l10n renders user-facing strings, currently the retry-after hint of
// a customs block, in the language the client asked for.
package l10n

import (
	"math"
	"strconv"
	"time"

	"github.com/go-playground/locales"
	"github.com/go-playground/locales/de"
	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/es"
	"github.com/go-playground/locales/fr"
	ut "github.com/go-playground/universal-translator"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/language"
)

const cacheSize = 256

type unit string

const (
	unitSeconds unit = "seconds"
	unitMinutes unit = "minutes"
	unitHours   unit = "hours"
)

// catalog maps locale -> unit -> plural rule -> text. PluralRuleOther is
// mandatory and used for any rule a locale has that is not listed.
var catalog = map[string]map[unit]map[locales.PluralRule]string{
	"en": {
		unitSeconds: {locales.PluralRuleOne: "in {0} second", locales.PluralRuleOther: "in {0} seconds"},
		unitMinutes: {locales.PluralRuleOne: "in {0} minute", locales.PluralRuleOther: "in {0} minutes"},
		unitHours:   {locales.PluralRuleOne: "in {0} hour", locales.PluralRuleOther: "in {0} hours"},
	},
	"fr": {
		unitSeconds: {locales.PluralRuleOne: "dans {0} seconde", locales.PluralRuleOther: "dans {0} secondes"},
		unitMinutes: {locales.PluralRuleOne: "dans {0} minute", locales.PluralRuleOther: "dans {0} minutes"},
		unitHours:   {locales.PluralRuleOne: "dans {0} heure", locales.PluralRuleOther: "dans {0} heures"},
	},
	"de": {
		unitSeconds: {locales.PluralRuleOne: "in {0} Sekunde", locales.PluralRuleOther: "in {0} Sekunden"},
		unitMinutes: {locales.PluralRuleOne: "in {0} Minute", locales.PluralRuleOther: "in {0} Minuten"},
		unitHours:   {locales.PluralRuleOne: "in {0} Stunde", locales.PluralRuleOther: "in {0} Stunden"},
	},
	"es": {
		unitSeconds: {locales.PluralRuleOne: "en {0} segundo", locales.PluralRuleOther: "en {0} segundos"},
		unitMinutes: {locales.PluralRuleOne: "en {0} minuto", locales.PluralRuleOther: "en {0} minutos"},
		unitHours:   {locales.PluralRuleOne: "en {0} hora", locales.PluralRuleOther: "en {0} horas"},
	},
}

// Localizer is safe for concurrent use.
type Localizer struct {
	uni      *ut.UniversalTranslator
	fallback ut.Translator
	cache    *lru.Cache[string, ut.Translator]
}

// New builds a Localizer for the bundled languages, falling back to English.
func New() (*Localizer, error) {
	fallback := en.New()
	uni := ut.New(fallback, fallback, fr.New(), de.New(), es.New())

	for locale, units := range catalog {
		trans, ok := uni.GetTranslator(locale)
		if !ok {
			continue
		}
		for u, texts := range units {
			for _, rule := range trans.PluralsCardinal() {
				text, ok := texts[rule]
				if !ok {
					text = texts[locales.PluralRuleOther]
				}
				if err := trans.AddCardinal(u, text, rule, false); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := uni.VerifyTranslations(); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, ut.Translator](cacheSize)
	if err != nil {
		return nil, err
	}
	enTrans, _ := uni.GetTranslator("en")
	return &Localizer{uni: uni, fallback: enTrans, cache: cache}, nil
}

// Translator resolves an Accept-Language header to the best supported language.
func (l *Localizer) Translator(acceptLanguage string) ut.Translator {
	if acceptLanguage == "" {
		return l.fallback
	}
	if t, ok := l.cache.Get(acceptLanguage); ok {
		return t
	}

	trans := l.fallback
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err == nil {
		candidates := make([]string, 0, len(tags))
		for _, tag := range tags {
			base, _ := tag.Base()
			candidates = append(candidates, base.String())
		}
		if t, found := l.uni.FindTranslator(candidates...); found {
			trans = t
		}
	}
	l.cache.Add(acceptLanguage, trans)
	return trans
}

// RetryAfter renders d as a relative time such as "in 15 minutes". The
// value is rounded up to the largest whole unit.
func (l *Localizer) RetryAfter(acceptLanguage string, d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	u, n := unitSeconds, math.Ceil(d.Seconds())
	switch {
	case d >= time.Hour:
		u, n = unitHours, math.Ceil(d.Hours())
	case d >= time.Minute:
		u, n = unitMinutes, math.Ceil(d.Minutes())
	}

	trans := l.Translator(acceptLanguage)
	s, err := trans.C(u, n, 0, strconv.FormatFloat(n, 'f', 0, 64))
	if err != nil {
		s, _ = l.fallback.C(u, n, 0, strconv.FormatFloat(n, 'f', 0, 64))
	}
	return s
}

// Language returns the locale the header resolves to.
func (l *Localizer) Language(acceptLanguage string) string {
	return l.Translator(acceptLanguage).Locale()
}
