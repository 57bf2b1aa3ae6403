package market

// Candle represents OHLC data for one (symbol, interval, bucket) triple.
// Time 为桶起点（毫秒）。
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Trades int64   `json:"trades"`
}

func newCandle(bucket int64, price float64) Candle {
	return Candle{
		Time:  bucket,
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}

// extend 用一笔新价格扩展当前 K 线。
func (c *Candle) extend(price, volume float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
	c.Trades++
}

// candleRing 定长环形缓冲，超过容量时淘汰最旧的 K 线。
type candleRing struct {
	buf   []Candle
	start int
	size  int
}

func newCandleRing(capacity int) *candleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &candleRing{buf: make([]Candle, capacity)}
}

func (r *candleRing) push(c Candle) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = c
		r.size++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

func (r *candleRing) len() int { return r.size }

// last 返回最近 n 根，按时间升序。
func (r *candleRing) last(n int) []Candle {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]Candle, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

func (r *candleRing) newest() (Candle, bool) {
	if r.size == 0 {
		return Candle{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// pop 移除并返回最新一根。
func (r *candleRing) pop() (Candle, bool) {
	c, ok := r.newest()
	if ok {
		r.size--
	}
	return c, ok
}
