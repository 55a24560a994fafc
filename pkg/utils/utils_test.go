package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTTL(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{2 * time.Hour, "2h"},
		{45 * time.Minute, "45m"},
		{90 * time.Second, "90s"},
		{24 * time.Hour, "24h"},
		{90 * time.Minute, "90m"},
		{1500 * time.Millisecond, "1.5s"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatTTL(c.in))
	}
}

func TestHTTP500DebugRedactsInProduction(t *testing.T) {
	orig := IsDevelopment
	defer func() { IsDevelopment = orig }()

	IsDevelopment = false
	assert.Equal(t, "Internal Server Error", *HTTP500Debug("docker daemon unreachable"))

	IsDevelopment = true
	assert.Equal(t, "docker daemon unreachable", *HTTP500Debug("docker daemon unreachable"))
}
