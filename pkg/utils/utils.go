package utils

import (
	"fmt"
	"os"
	"time"
)

// IsDevelopment relaxes error redaction so handlers can surface real failure
// detail during local work. Controlled by the DEVELOPMENT env var.
var IsDevelopment = os.Getenv("DEVELOPMENT") == "true"

func Ptr[T any](v T) *T { return &v }

// HTTP500Debug returns the given detail in development mode and a generic
// message otherwise. Internal failure text never reaches machine owners in
// production.
func HTTP500Debug(detail string) *string {
	if IsDevelopment {
		return &detail
	}
	return Ptr("Internal Server Error")
}

// FormatTTL renders a machine TTL in its largest exact unit, the same way
// the config expresses it ("2h", "45m", "90s").
func FormatTTL(d time.Duration) string {
	units := []struct {
		suffix string
		span   time.Duration
	}{
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	}
	for _, u := range units {
		if d >= u.span && d%u.span == 0 {
			return fmt.Sprintf("%d%s", d/u.span, u.suffix)
		}
	}
	return d.String()
}
