package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lab47/nbdc"
	"github.com/pkg/errors"
)

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

var sizeSuffix = map[string]int64{
	"k": kilo,
	"K": kilo,
	"m": mega,
	"M": mega,
	"g": giga,
	"G": giga,
	"t": tera,
	"T": tera,
	"p": peta,
	"P": peta,
}

// parseSize accepts a plain byte count or one with a k/m/g/t/p suffix.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(nbdc.ErrInvalid, "empty size")
	}

	mult := int64(1)

	if m, ok := sizeSuffix[s[len(s)-1:]]; ok {
		mult = m
		s = s[:len(s)-1]
	}

	base, err := strconv.ParseInt(s, 10, 64)
	if err != nil || base < 0 {
		return 0, errors.Wrapf(nbdc.ErrInvalid, "size %q", s)
	}

	if base > (1<<63-1)/mult {
		return 0, errors.Wrapf(nbdc.ErrInvalid, "size %q overflows", s)
	}

	return base * mult, nil
}

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}
