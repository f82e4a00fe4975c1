package reporter

// Money is the CPM estimate for views.
func Money(pricePerMille float64, views int64) float64 {
	return pricePerMille * float64(views) / 1000
}

// Convert applies the owner's exchange rate. Rates <= 0 count as 1.
func Convert(amount, rate float64) float64 {
	if rate <= 0 {
		return amount
	}
	return amount / rate
}
