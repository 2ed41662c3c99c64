package matching

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type orderTotals struct {
	qty    decimal.Decimal
	qtys   []decimal.Decimal
	prices []decimal.Decimal
	brands []string
}

func (t *orderTotals) add(qty, price decimal.Decimal, brand string) {
	t.qty = t.qty.Add(qty)
	t.qtys = append(t.qtys, qty)
	t.prices = append(t.prices, price)
	t.brands = append(t.brands, brand)
}

// Evaluate runs the four rules over one PO, its aggregated deliveries and an
// invoice. It has no side effects and reads no clock, so equal inputs give
// equal output.
//
// The analysis is always complete. When invoice materials are missing from
// the PO, those lines are CRITICAL and an *InputIncompleteError is returned
// together with the analysis.
func Evaluate(cfg Config, in Input) (MatchAnalysis, error) {
	ordered := map[string]*orderTotals{}
	for _, l := range in.OrderLines {
		t, ok := ordered[l.MaterialId]
		if !ok {
			t = &orderTotals{}
			ordered[l.MaterialId] = t
		}
		t.add(l.Quantity, l.UnitPrice, l.Brand)
	}

	delivered := map[string]DeliveredLine{}
	for _, l := range in.DeliveredLines {
		d := delivered[l.MaterialId]
		d.MaterialId = l.MaterialId
		d.GoodQty = d.GoodQty.Add(l.GoodQty)
		d.DamagedQty = d.DamagedQty.Add(l.DamagedQty)
		d.Brand = mergeBrands([]string{d.Brand, l.Brand})
		delivered[l.MaterialId] = d
	}

	invoiced := map[string]*orderTotals{}
	var materialIds []string
	for _, l := range in.InvoiceLines {
		t, ok := invoiced[l.MaterialId]
		if !ok {
			t = &orderTotals{}
			invoiced[l.MaterialId] = t
			materialIds = append(materialIds, l.MaterialId)
		}
		t.add(l.Quantity, l.UnitPrice, l.Brand)
	}
	sort.Strings(materialIds)

	var analysis MatchAnalysis
	var missing []string
	for _, id := range materialIds {
		inv := invoiced[id]
		dlv := delivered[id]
		po, onOrder := ordered[id]

		line := LineMatch{MaterialId: id, InPurchaseOrder: onOrder}
		if !onOrder {
			missing = append(missing, id)
			line.Quantity = missingOrderQuantity(id, dlv.GoodQty, inv.qty)
			line.Price = missingOrderPrice(id, weightedPrice(inv.qtys, inv.prices))
			line.Brand = missingOrderBrand(id, dlv.Brand, mergeBrands(inv.brands))
		} else {
			line.Quantity = EvaluateQuantity(cfg, po.qty, dlv.GoodQty, inv.qty)
			line.Price = EvaluatePrice(cfg, weightedPrice(po.qtys, po.prices), weightedPrice(inv.qtys, inv.prices))
			line.Brand = EvaluateBrand(mergeBrands(po.brands), dlv.Brand, mergeBrands(inv.brands))
		}
		analysis.Lines = append(analysis.Lines, line)
	}

	analysis.QuantityMatch = rollupQuantity(analysis.Lines)
	analysis.PriceMatch = rollupPrice(analysis.Lines)
	analysis.BrandMatch = rollupBrand(analysis.Lines)
	analysis.TimingMatch = EvaluateTiming(cfg, in.DeliveryDate, in.InvoiceDate, in.RequiredDeliveryDate)
	analysis.OverallStatus, analysis.Discrepancies = Aggregate(analysis.Statuses()...)

	if len(missing) > 0 {
		analysis.MissingMaterials = missing
		return analysis, &InputIncompleteError{MaterialIds: missing}
	}
	return analysis, nil
}

// Aggregate folds dimension statuses into the overall status and the number
// of dimensions that are not MATCHED.
func Aggregate(statuses ...Status) (OverallStatus, int) {
	count := 0
	worst := StatusMatched
	for _, s := range statuses {
		if s != StatusMatched {
			count++
		}
		if s.rank() > worst.rank() {
			worst = s
		}
	}
	switch worst {
	case StatusCritical:
		return OverallMismatched, count
	case StatusWarning:
		return OverallPartialMatched, count
	default:
		return OverallFullyMatched, count
	}
}

func missingOrderQuantity(materialId string, delivered, invoiced decimal.Decimal) QuantityResult {
	return QuantityResult{
		Status:    StatusCritical,
		Ordered:   decimal.Zero,
		Delivered: delivered,
		Invoiced:  invoiced,
		Message: fmt.Sprintf("Material %s is not on the purchase order (ordered 0, delivered %s, invoiced %s)",
			materialId, delivered.String(), invoiced.String()),
	}
}

func missingOrderPrice(materialId string, invoicePrice decimal.Decimal) PriceResult {
	return PriceResult{
		Status:       StatusCritical,
		POPrice:      decimal.Zero,
		InvoicePrice: invoicePrice,
		Message:      fmt.Sprintf("Material %s is not on the purchase order, no price to compare", materialId),
	}
}

func missingOrderBrand(materialId, delivered, invoiced string) BrandResult {
	return BrandResult{
		Status:    StatusCritical,
		Delivered: delivered,
		Invoiced:  invoiced,
		Message:   fmt.Sprintf("Material %s is not on the purchase order, no brand to compare", materialId),
	}
}

// worstLine returns the index of the first line with the highest status rank
// and how many lines share a non-MATCHED status.
func worstLine(lines []LineMatch, status func(LineMatch) Status) (int, int) {
	worst := -1
	flagged := 0
	for i, l := range lines {
		s := status(l)
		if s != StatusMatched {
			flagged++
		}
		if worst < 0 || s.rank() > status(lines[worst]).rank() {
			worst = i
		}
	}
	return worst, flagged
}

func rollupMessage(line LineMatch, msg string, flagged int) string {
	msg = fmt.Sprintf("%s: %s", line.MaterialId, msg)
	if flagged > 1 {
		msg = fmt.Sprintf("%s (+%d more material(s) flagged)", msg, flagged-1)
	}
	return msg
}

func rollupQuantity(lines []LineMatch) QuantityResult {
	idx, flagged := worstLine(lines, func(l LineMatch) Status { return l.Quantity.Status })
	if idx < 0 {
		return QuantityResult{Status: StatusCritical, Message: "Invoice has no line items"}
	}
	r := lines[idx].Quantity
	r.Message = rollupMessage(lines[idx], r.Message, flagged)
	return r
}

func rollupPrice(lines []LineMatch) PriceResult {
	idx, flagged := worstLine(lines, func(l LineMatch) Status { return l.Price.Status })
	if idx < 0 {
		return PriceResult{Status: StatusCritical, Message: "Invoice has no line items"}
	}
	r := lines[idx].Price
	r.Message = rollupMessage(lines[idx], r.Message, flagged)
	return r
}

func rollupBrand(lines []LineMatch) BrandResult {
	idx, flagged := worstLine(lines, func(l LineMatch) Status { return l.Brand.Status })
	if idx < 0 {
		return BrandResult{Status: StatusCritical, Message: "Invoice has no line items"}
	}
	r := lines[idx].Brand
	r.Message = rollupMessage(lines[idx], r.Message, flagged)
	return r
}
