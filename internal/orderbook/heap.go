package orderbook

import (
	"container/heap"

	"github.com/quantfold/tradecore/internal/domain"
)

// bidQueue is a max-heap over resting buy orders: highest limit price
// first, FIFO by arrival sequence within a price level.
type bidQueue []*domain.Order

func (q bidQueue) Len() int { return len(q) }

func (q bidQueue) Less(i, j int) bool {
	pi, pj := *q[i].LimitPrice, *q[j].LimitPrice
	if pi != pj {
		return pi > pj
	}
	return q[i].ArrivalSeq < q[j].ArrivalSeq
}

func (q bidQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *bidQueue) Push(x any) { *q = append(*q, x.(*domain.Order)) }

func (q *bidQueue) Pop() any {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return o
}

// askQueue is a min-heap over resting sell orders: lowest limit price
// first, FIFO by arrival sequence within a price level.
type askQueue []*domain.Order

func (q askQueue) Len() int { return len(q) }

func (q askQueue) Less(i, j int) bool {
	pi, pj := *q[i].LimitPrice, *q[j].LimitPrice
	if pi != pj {
		return pi < pj
	}
	return q[i].ArrivalSeq < q[j].ArrivalSeq
}

func (q askQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *askQueue) Push(x any) { *q = append(*q, x.(*domain.Order)) }

func (q *askQueue) Pop() any {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return o
}

func pushBid(q *bidQueue, o *domain.Order) { heap.Push(q, o) }
func popBid(q *bidQueue) *domain.Order     { return heap.Pop(q).(*domain.Order) }
func pushAsk(q *askQueue, o *domain.Order) { heap.Push(q, o) }
func popAsk(q *askQueue) *domain.Order     { return heap.Pop(q).(*domain.Order) }
