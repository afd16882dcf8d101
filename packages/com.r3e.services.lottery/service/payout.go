package lottery

// shareSchedule holds the percentage of the pool for every winner but the
// last, who receives whatever remains. Indexed by winner count.
var shareSchedule = map[int][]int64{
	1: {},
	2: {60},
	3: {50, 30},
}

// FeeFor returns the operator fee on pool, truncated.
func FeeFor(pool, feeBasisPoints int64) int64 {
	return mulDiv(pool, feeBasisPoints, BasisPoints)
}

// SplitPrizes divides poolAfterFee among winners. The shares always sum to
// poolAfterFee exactly; truncation dust goes to the last winner.
func SplitPrizes(poolAfterFee int64, winners int) []int64 {
	schedule, ok := shareSchedule[winners]
	if !ok {
		return nil
	}
	prizes := make([]int64, 0, winners)
	remainder := poolAfterFee
	for _, pct := range schedule {
		share := mulDiv(poolAfterFee, pct, 100)
		prizes = append(prizes, share)
		remainder -= share
	}
	return append(prizes, remainder)
}

// mulDiv returns floor(x*num/den) for x >= 0 and 0 <= num <= den without
// forming the product x*num.
func mulDiv(x, num, den int64) int64 {
	return x/den*num + x%den*num/den
}
