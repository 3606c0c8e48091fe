package pricing

// Verdict is the outcome of comparing a client price with the backend's.
type Verdict struct {
	Valid           bool  `json:"valid"`
	ClientPrice     Money `json:"clientPrice"`
	CalculatedPrice Money `json:"calculatedPrice"`
	Difference      Money `json:"difference"`
}

// Reconcile compares the submitted client price with the authoritative one.
// Prices match when they differ by less than epsilon minor units; epsilon <= 0
// means one unit, i.e. exact equality.
func Reconcile(client, calculated, epsilon Money) Verdict {
	if epsilon <= 0 {
		epsilon = 1
	}
	diff := calculated - client
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	return Verdict{
		Valid:           abs < epsilon,
		ClientPrice:     client,
		CalculatedPrice: calculated,
		Difference:      diff,
	}
}

// Price is the value the cart must store. It is always the calculated price.
func (v Verdict) Price() Money {
	return v.CalculatedPrice
}
