package rubrics

import (
	"fmt"
	"math"
	"strconv"

	"github.com/plomgrading/marker/internal/apperr"
	"github.com/plomgrading/marker/internal/models"
	"github.com/plomgrading/marker/internal/settings"
)

const fractionTolerance = 1e-7

// Walk order matters: a grain implied by a coarser one comes after it,
// so 0.5 resolves as a half even when eighths are enabled.
var denominatorOrder = []int{2, 4, 8, 3, 5, 10}

var denominatorFlag = map[int]string{
	2:  settings.KeyAllowHalf,
	4:  settings.KeyAllowQuarter,
	8:  settings.KeyAllowEighth,
	3:  settings.KeyAllowThird,
	5:  settings.KeyAllowFifth,
	10: settings.KeyAllowTenth,
}

// PinToAllowedFraction snaps a value with a fractional part onto the
// exact k/N it is meant to be, correcting floating-point drift from
// clients (0.66666667 becomes exactly 2/3). The first denominator in
// the walk order that matches decides: if its flag is off the value is
// rejected, with no fall-through to a coarser grain.
func (p *Permissions) PinToAllowedFraction(value float64) (float64, error) {
	frac := math.Abs(value - math.Trunc(value))
	if frac < fractionTolerance || frac > 1-fractionTolerance {
		return value, nil
	}

	for _, d := range denominatorOrder {
		k := math.Round(frac * float64(d))
		if k <= 0 || k >= float64(d) {
			continue
		}
		if math.Abs(frac-k/float64(d)) >= fractionTolerance {
			continue
		}
		enabled, err := p.settings.GetBool(denominatorFlag[d])
		if err != nil {
			return 0, err
		}
		if !enabled {
			return 0, apperr.NewFieldError("value",
				fmt.Sprintf("%d-level fractional rubric values are not enabled", d))
		}
		return math.Trunc(value) + math.Copysign(k/float64(d), value), nil
	}

	return 0, apperr.NewFieldError("value", "unsupported fraction")
}

var vulgarFractions = map[[2]int]string{
	{1, 2}:  "½",
	{1, 3}:  "⅓",
	{2, 3}:  "⅔",
	{1, 4}:  "¼",
	{3, 4}:  "¾",
	{1, 5}:  "⅕",
	{2, 5}:  "⅖",
	{3, 5}:  "⅗",
	{4, 5}:  "⅘",
	{1, 8}:  "⅛",
	{3, 8}:  "⅜",
	{5, 8}:  "⅝",
	{7, 8}:  "⅞",
	{1, 10}: "⅒",
}

// renderScore writes a non-negative score the way it appears on a paper:
// whole part plus a vulgar-fraction glyph where one exists ("2½"),
// falling back to "k/d" for grains without a glyph.
func renderScore(v float64) string {
	v = math.Abs(v)
	whole := int(math.Trunc(v))
	frac := v - math.Trunc(v)
	if frac < fractionTolerance {
		return strconv.Itoa(whole)
	}

	for _, d := range denominatorOrder {
		k := int(math.Round(frac * float64(d)))
		if k <= 0 || k >= d {
			continue
		}
		if math.Abs(frac-float64(k)/float64(d)) >= fractionTolerance {
			continue
		}
		part, ok := vulgarFractions[[2]int{k, d}]
		if !ok {
			part = fmt.Sprintf("%d/%d", k, d)
		}
		if whole == 0 {
			return part
		}
		return strconv.Itoa(whole) + part
	}

	return strconv.FormatFloat(v, 'g', -1, 64)
}

// GenerateDisplayDelta produces the short human rendering of a rubric's
// score effect: "." for neutral, "+½" / "-2" for relative deltas,
// "2 of 3" for absolute rubrics.
func GenerateDisplayDelta(kind models.RubricKind, value, outOf float64) string {
	switch kind {
	case models.KindNeutral:
		return "."
	case models.KindRelative:
		sign := "+"
		if value < 0 {
			sign = "-"
		}
		return sign + renderScore(value)
	case models.KindAbsolute:
		return fmt.Sprintf("%s of %s", renderScore(value), renderScore(outOf))
	}
	return ""
}
