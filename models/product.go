package models

// ProductLine identifies one of the three seasonal product lines. Each line
// runs the same two-installment protocol against its own inventory pool.
type ProductLine string

const (
	ProductLinePorkBox      ProductLine = "pork_box"
	ProductLineHatchingEggs ProductLine = "hatching_eggs"
	ProductLineLiveChickens ProductLine = "live_chickens"
)

// Valid reports whether l names a known product line.
func (l ProductLine) Valid() bool {
	switch l {
	case ProductLinePorkBox, ProductLineHatchingEggs, ProductLineLiveChickens:
		return true
	}
	return false
}

// Unit returns the stock unit the line's inventory pool is counted in.
func (l ProductLine) Unit() string {
	if l == ProductLinePorkBox {
		return "kg"
	}
	return "units"
}
