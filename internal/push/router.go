package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukerupert/courier/internal/model"
)

// Router dispatches each message to the provider registered for its
// platform. Sub-batches for different providers run concurrently.
type Router struct {
	providers map[model.Platform]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[model.Platform]Provider)}
}

// Handle registers p for the given platforms.
func (r *Router) Handle(p Provider, platforms ...model.Platform) *Router {
	for _, pl := range platforms {
		r.providers[pl] = p
	}
	return r
}

func (r *Router) Configured(platform model.Platform) bool {
	_, ok := r.providers[platform]
	return ok
}

func (r *Router) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	groups := make(map[Provider][]int)
	for i, m := range msgs {
		p, ok := r.providers[m.Platform]
		if !ok {
			results[i] = transient(m.Token, fmt.Errorf("%w %s", ErrNoProvider, m.Platform))
			continue
		}
		groups[p] = append(groups[p], i)
	}

	var wg sync.WaitGroup
	for p, idx := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := make([]Message, len(idx))
			for j, i := range idx {
				sub[j] = msgs[i]
			}
			res, err := p.SendBatch(ctx, sub)
			for j, i := range idx {
				switch {
				case err != nil:
					results[i] = transient(msgs[i].Token, err)
				case j < len(res):
					results[i] = res[j]
				default:
					results[i] = transient(msgs[i].Token, fmt.Errorf("provider returned %d results for %d messages", len(res), len(sub)))
				}
			}
		}()
	}
	wg.Wait()
	return results, nil
}
