package l10n

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfter(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	cases := []struct {
		lang string
		d    time.Duration
		want string
	}{
		{"", 15 * time.Minute, "in 15 minutes"},
		{"en-US,en;q=0.9", time.Minute, "in 1 minute"},
		{"en", 90 * time.Second, "in 2 minutes"},
		{"en", 300 * time.Millisecond, "in 1 second"},
		{"en", 2*time.Hour + time.Minute, "in 3 hours"},
		{"fr-FR,fr;q=0.8", 15 * time.Minute, "dans 15 minutes"},
		{"de", 30 * time.Second, "in 30 Sekunden"},
		{"es", time.Hour, "en 1 hora"},
		{"xx-YY", 15 * time.Minute, "in 15 minutes"},
		{"ja, fr;q=0.5", 45 * time.Minute, "dans 45 minutes"},
	}
	for _, tc := range cases {
		t.Run(tc.lang+"/"+tc.d.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, l.RetryAfter(tc.lang, tc.d))
		})
	}
}

func TestLanguageFallsBackToEnglish(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	assert.Equal(t, "en", l.Language("not a header;;;"))
	assert.Equal(t, "fr", l.Language("fr-CA"))
	assert.Equal(t, "fr", l.Language("fr-CA"), "cached lookups resolve the same")
}
