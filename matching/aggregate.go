package matching

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// DeliverySummary is the aggregated view of every delivery recorded against one PO.
type DeliverySummary struct {
	Lines            []DeliveredLine
	LastDeliveryDate Date
}

// AggregateDeliveries sums good and damaged quantities per material across
// deliveries and keeps the latest delivery date. Lines are returned sorted by
// material id. Received brands are kept in delivery order.
func AggregateDeliveries(lines []DeliveryLine) DeliverySummary {
	ordered := make([]DeliveryLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].DeliveryDate.t.Equal(ordered[j].DeliveryDate.t) {
			return ordered[j].DeliveryDate.After(ordered[i].DeliveryDate)
		}
		return ordered[i].DeliveryId < ordered[j].DeliveryId
	})

	var summary DeliverySummary
	byMaterial := map[string]*DeliveredLine{}
	brands := map[string][]string{}
	var materialIds []string

	for _, l := range ordered {
		if l.DeliveryDate.After(summary.LastDeliveryDate) {
			summary.LastDeliveryDate = l.DeliveryDate
		}
		agg, ok := byMaterial[l.MaterialId]
		if !ok {
			agg = &DeliveredLine{MaterialId: l.MaterialId}
			byMaterial[l.MaterialId] = agg
			materialIds = append(materialIds, l.MaterialId)
		}
		agg.GoodQty = agg.GoodQty.Add(l.GoodQty)
		agg.DamagedQty = agg.DamagedQty.Add(l.DamagedQty)
		brands[l.MaterialId] = append(brands[l.MaterialId], l.BrandReceived)
	}

	sort.Strings(materialIds)
	for _, id := range materialIds {
		agg := byMaterial[id]
		agg.Brand = mergeBrands(brands[id])
		summary.Lines = append(summary.Lines, *agg)
	}
	return summary
}

// mergeBrands returns the distinct non-empty brands joined with " / ",
// compared case-insensitively and kept in first-seen order.
func mergeBrands(values []string) string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		n := normalizeBrand(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, strings.TrimSpace(v))
	}
	return strings.Join(out, " / ")
}

// weightedPrice returns the quantity weighted unit price. When every quantity
// is zero the first price is used.
func weightedPrice(qtys, prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	totalQty := decimal.Zero
	totalAmount := decimal.Zero
	for i := range prices {
		totalQty = totalQty.Add(qtys[i])
		totalAmount = totalAmount.Add(qtys[i].Mul(prices[i]))
	}
	if totalQty.IsZero() {
		return prices[0]
	}
	return totalAmount.Div(totalQty)
}
