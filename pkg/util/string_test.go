package util

import (
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExpandTemplate(t *testing.T) {
	vars := map[string]string{"product": "espresso", "date": "2026-03-01"}

	assert.Equal(t, "A cup of espresso on 2026-03-01", ExpandTemplate("A cup of {{product}} on {{ date }}", vars))
	assert.Equal(t, "keep {{unknown}} as is", ExpandTemplate("keep {{unknown}} as is", vars))
	assert.Equal(t, "no placeholders", ExpandTemplate("no placeholders", vars))
	assert.Equal(t, "", ExpandTemplate("", vars))
}

func TestBuiltinVars(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	vars := BuiltinVars(now, "Morning coffee")

	assert.Equal(t, "2026-03-02", vars["date"])
	assert.Equal(t, "09:05", vars["time"])
	assert.Equal(t, "Monday", vars["weekday"])
	assert.Equal(t, "Morning coffee", vars["workflow"])
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", TruncateRunes("short", 10))
	assert.Equal(t, "unlimited", TruncateRunes("unlimited", 0))

	out := TruncateRunes("héllo wörld", 6)
	assert.Equal(t, 6, utf8.RuneCountInString(out))
	assert.Equal(t, "héllo…", out)

	long := make([]rune, 2000)
	for i := range long {
		long[i] = '字'
	}
	assert.Equal(t, 1024, utf8.RuneCountInString(TruncateRunes(string(long), 1024)))
}
