package pricing

import (
	"slices"

	"pennyperfect/internal/model"
)

// IsPriceInBand reports whether priceCents lies within [MinCents, MaxCents]
// and, when a floor is set, at or above it.
func IsPriceInBand(priceCents int64, band model.PriceBand) bool {
	if priceCents < band.MinCents || priceCents > band.MaxCents {
		return false
	}
	if band.FloorCents != nil && priceCents < *band.FloorCents {
		return false
	}
	return true
}

// IsExcluded reports whether the variant's SKU or any of its collections is
// on the band's exclusion lists. Price plays no part.
func IsExcluded(v model.Variant, band model.PriceBand) bool {
	if v.SKU != "" && slices.Contains(band.ExcludeSkus, v.SKU) {
		return true
	}
	for _, c := range v.Collections {
		if slices.Contains(band.ExcludeCollections, c) {
			return true
		}
	}
	return false
}

// Matches reports whether the band currently manages the variant.
// Membership follows the variant's current price, so a variant repriced out of
// range stops being managed.
func Matches(v model.Variant, band model.PriceBand) bool {
	return IsPriceInBand(v.PriceCents, band) && !IsExcluded(v, band)
}

// ApplyFloor raises priceCents to the band floor when it fell below it.
func ApplyFloor(priceCents int64, band model.PriceBand) int64 {
	if band.FloorCents != nil && priceCents < *band.FloorCents {
		return *band.FloorCents
	}
	return priceCents
}

// TargetPrice is the price a managed variant should carry for ending.
func TargetPrice(priceCents int64, ending int, band model.PriceBand) int64 {
	return ApplyFloor(RoundDownToEnding(priceCents, ending), band)
}

// FilterMatching returns the variants the band manages, preserving order.
func FilterMatching(variants []model.Variant, band model.PriceBand) []model.Variant {
	var out []model.Variant
	for _, v := range variants {
		if Matches(v, band) {
			out = append(out, v)
		}
	}
	return out
}
